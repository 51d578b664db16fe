package ingestion

import (
	"fmt"
	"time"

	"kidsactivity-backend/lib/configutil"
	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/scrapers"
	"kidsactivity-backend/lib/scrapers/activenet"
	"kidsactivity-backend/lib/scrapers/perfectmind"
)

// Platform kinds with a scraper implementation. A provider on a known
// kind is pure configuration.
const (
	KindPerfectMind = "perfectmind"
	KindActiveNet   = "activenet"
)

// Identity strategies. Each provider declares exactly one; it never
// changes between runs, otherwise every listing would be re-created
// under a second identity.
const (
	// the course code the site displays on the listing itself
	IdentityCourseCode = "course-code"
	// the last path segment of the listing's detail url
	IdentityUrlToken = "url-token"
)

// SectionConfig names one section of a provider's site, with the path
// joined onto the provider's base url.
type SectionConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProviderConfig is one provider as declared in providers.json5. Loaded
// once at run start and treated as immutable afterwards.
type ProviderConfig struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	PlatformKind string          `json:"platformKind"`
	BaseUrl      string          `json:"baseUrl"`
	Sections     []SectionConfig `json:"sections"`

	// IdentityStrategy selects how externalId is derived, see the
	// Identity* constants.
	IdentityStrategy string `json:"identityStrategy"`

	// FieldMappings reroutes a record's Extra entries into canonical
	// slots for sites whose markup puts, say, the age range where the
	// schedule usually lives. Keys are Extra keys, values are canonical
	// slot names ("name", "price", "age", "status", "schedule",
	// "location", "category").
	FieldMappings map[string]string `json:"fieldMappings,omitempty"`

	// DateLayouts are Go time layouts tried in order when parsing this
	// provider's session dates. Declared per provider so day/month
	// ambiguity is never guessed per record.
	DateLayouts []string `json:"dateLayouts,omitempty"`

	// Category assigned to every listing from this provider when the
	// page itself carries none.
	DefaultCategory string `json:"defaultCategory,omitempty"`

	// MaxCostCents rejects absurd prices during normalization. Zero
	// means the global default applies.
	MaxCostCents int64 `json:"maxCostCents,omitempty"`
}

// ProvidersConfig is the root of providers.json5.
type ProvidersConfig struct {
	Providers []ProviderConfig `json:"providers"`
}

// LoadProviders reads and validates the provider declarations.
func LoadProviders(path string) ([]ProviderConfig, error) {
	config, err := configutil.ReadConfig[ProvidersConfig](path)
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}

	seen := map[string]bool{}
	for i, provider := range config.Providers {
		if provider.ID == "" {
			return nil, fmt.Errorf("provider %d: missing id", i)
		}
		if seen[provider.ID] {
			return nil, fmt.Errorf("provider %q: duplicate id", provider.ID)
		}
		seen[provider.ID] = true

		if _, err := PlatformFor(provider.PlatformKind); err != nil {
			return nil, fmt.Errorf("provider %q: %w", provider.ID, err)
		}
		switch provider.IdentityStrategy {
		case IdentityCourseCode, IdentityUrlToken:
		default:
			return nil, fmt.Errorf(
				"provider %q: unknown identity strategy %q",
				provider.ID, provider.IdentityStrategy,
			)
		}
		if provider.BaseUrl == "" {
			return nil, fmt.Errorf("provider %q: missing baseUrl", provider.ID)
		}
		if len(provider.Sections) == 0 {
			return nil, fmt.Errorf("provider %q: no sections", provider.ID)
		}
	}
	return config.Providers, nil
}

// PlatformFor maps a platform kind to its scraper.
func PlatformFor(kind string) (scrapers.Platform, error) {
	switch kind {
	case KindPerfectMind:
		return perfectmind.New(), nil
	case KindActiveNet:
		return activenet.New(), nil
	default:
		return nil, fmt.Errorf("unknown platform kind %q", kind)
	}
}

// SessionPoolFor builds the extraction session pool suited to the
// platform kind: perfectmind renders listings with javascript and needs
// a browser, activenet is server-rendered and plain http is enough.
func SessionPoolFor(kind string, provider ProviderConfig, limit int, timeout time.Duration) (*extractor.Pool, error) {
	switch kind {
	case KindPerfectMind:
		return extractor.NewPool(limit, func() (extractor.Session, error) {
			return extractor.NewBrowserSession(extractor.BrowserSessionOptions{
				Headless: true,
			})
		}), nil
	case KindActiveNet:
		return extractor.NewPool(limit, func() (extractor.Session, error) {
			return extractor.NewHttpSession(extractor.HttpSessionOptions{
				BaseUrl: provider.BaseUrl,
				Timeout: timeout,
			})
		}), nil
	default:
		return nil, fmt.Errorf("unknown platform kind %q", kind)
	}
}

// SectionSpecs resolves the provider's section list against its base url.
func (p ProviderConfig) SectionSpecs() []scrapers.SectionSpec {
	specs := make([]scrapers.SectionSpec, 0, len(p.Sections))
	for _, section := range p.Sections {
		specs = append(specs, scrapers.SectionSpec{
			ID:   section.ID,
			Name: section.Name,
			Url:  p.BaseUrl + section.Path,
		})
	}
	return specs
}
