package activenet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/scrapers"

	"github.com/stretchr/testify/require"
)

func page(rows string, next string) string {
	nextAnchor := ""
	if next != "" {
		nextAnchor = fmt.Sprintf(`<a title="Next" href=%q>next</a>`, next)
	}
	return fmt.Sprintf(`<html><body>
		<table class="activity-search-results">%s</table>
		%s
	</body></html>`, rows, nextAnchor)
}

func row(name, code, fee string) string {
	return fmt.Sprintf(`<tr class="activity-row">
		<td class="activity-name"><a href="/detail/%s">%s</a></td>
		<td class="activity-number">%s</td>
		<td class="activity-fee">%s</td>
		<td class="activity-status">Sign Up</td>
	</tr>`, code, name, code, fee)
}

func TestExtractSectionPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browse":
			w.Write([]byte(page(
				row("Intro Swim", "00369211", "$53.75"),
				"/browse2",
			)))
		case "/browse2":
			// first row repeats the previous page's last row
			w.Write([]byte(page(
				row("Intro Swim", "00369211", "$53.75")+
					row("Ballet Basics", "00369305", "$120.00")+
					`<tr class="activity-row"><td class="empty"></td></tr>`,
				"",
			)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	session, err := extractor.NewHttpSession(extractor.HttpSessionOptions{BaseUrl: server.URL})
	require.NoError(t, err)

	result, err := New().ExtractSection(context.Background(), session, scrapers.SectionSpec{
		ID:   "youth",
		Name: "Youth",
		Url:  server.URL + "/browse",
	})
	require.NoError(t, err)

	require.Len(t, result.Records, 2)
	require.Equal(t, "Intro Swim", result.Records[0].Name)
	require.Equal(t, "00369211", result.Records[0].ExternalID)
	require.Equal(t, server.URL+"/detail/00369211", result.Records[0].DetailURL)
	require.Equal(t, "Ballet Basics", result.Records[1].Name)

	// the slotless row is an item error, not a section failure
	require.Len(t, result.ItemErrors, 1)
}

func TestExtractSectionUnreachable(t *testing.T) {
	session, err := extractor.NewHttpSession(extractor.HttpSessionOptions{BaseUrl: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = New().ExtractSection(context.Background(), session, scrapers.SectionSpec{
		ID:   "youth",
		Name: "Youth",
		Url:  "http://127.0.0.1:1/browse",
	})
	require.Error(t, err)
	require.True(t, extractor.Retryable(err))
}

func TestExtractDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><div class="activity-detail">
			<h1 class="activity-detail-title">Intro Swim</h1>
			<span class="activity-detail-ages">6-8yrs</span>
			<span class="activity-detail-number">00369211</span>
		</div></html>`))
	}))
	defer server.Close()

	session, err := extractor.NewHttpSession(extractor.HttpSessionOptions{BaseUrl: server.URL})
	require.NoError(t, err)

	rec, err := New().ExtractDetail(context.Background(), session, server.URL+"/detail/00369211")
	require.NoError(t, err)
	require.Equal(t, "Intro Swim", rec.Name)
	require.Equal(t, "6-8yrs", rec.AgeText)
	require.Equal(t, "00369211", rec.ExternalID)
}
