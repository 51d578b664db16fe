package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"kidsactivity-backend/lib/configutil"
	"kidsactivity-backend/lib/serviceutil"
	"kidsactivity-backend/lib/sqliteutil"
	"kidsactivity-backend/services/catalog"
	"kidsactivity-backend/services/catalog/db"
	"kidsactivity-backend/services/ingestion"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// RunConfig holds run tuning defaults from ingest.json5. Flags given
// explicitly on the command line win over the file.
type RunConfig struct {
	Concurrency    int     `json:"concurrency"`
	PerProvider    int     `json:"perProvider"`
	Sessions       int     `json:"sessions"`
	Timeout        string  `json:"timeout"`
	TaskTimeout    string  `json:"taskTimeout"`
	ErrorThreshold float64 `json:"errorThreshold"`
	Db             string  `json:"db"`
	Providers      string  `json:"providers"`
}

var (
	runProviders   *[]string
	runConcurrency *int
	runPerProvider *int
	runSessions    *int
	runTimeout     *time.Duration
	runTaskTimeout *time.Duration
	runThreshold   *float64
	runDb          *string
	runConfig      *string
	runJson        *bool
)

// applyRunConfig merges ingest.json5 defaults under the flags: a value
// from the file only applies when the matching flag was left at its
// default.
func applyRunConfig(cmd *cobra.Command) {
	config, err := configutil.ReadConfig[RunConfig]("ingest.json5")
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		serviceutil.Fatal("failed to read ingest config", err)
	}

	flags := cmd.Flags()
	if !flags.Changed("concurrency") && config.Concurrency > 0 {
		*runConcurrency = config.Concurrency
	}
	if !flags.Changed("per-provider") && config.PerProvider > 0 {
		*runPerProvider = config.PerProvider
	}
	if !flags.Changed("sessions") && config.Sessions > 0 {
		*runSessions = config.Sessions
	}
	if !flags.Changed("timeout") && config.Timeout != "" {
		parsed, err := time.ParseDuration(config.Timeout)
		if err != nil {
			serviceutil.Fatal("bad timeout in ingest config", err)
		}
		*runTimeout = parsed
	}
	if !flags.Changed("task-timeout") && config.TaskTimeout != "" {
		parsed, err := time.ParseDuration(config.TaskTimeout)
		if err != nil {
			serviceutil.Fatal("bad taskTimeout in ingest config", err)
		}
		*runTaskTimeout = parsed
	}
	if !flags.Changed("error-threshold") && config.ErrorThreshold > 0 {
		*runThreshold = config.ErrorThreshold
	}
	if !flags.Changed("db") && config.Db != "" {
		*runDb = config.Db
	}
	if !flags.Changed("config") && config.Providers != "" {
		*runConfig = config.Providers
	}
}

func init() {
	runProviders = runCmd.Flags().StringSlice("providers", nil, "Provider ids to include, defaults to all configured.")
	runConcurrency = runCmd.Flags().Int("concurrency", 4, "Most scrape tasks in flight at once.")
	runPerProvider = runCmd.Flags().Int("per-provider", 2, "Most scrape tasks in flight against one provider.")
	runSessions = runCmd.Flags().Int("sessions", 2, "Extraction sessions per provider.")
	runTimeout = runCmd.Flags().Duration("timeout", time.Hour, "Deadline for the whole run.")
	runTaskTimeout = runCmd.Flags().Duration("task-timeout", time.Minute*2, "Deadline for each scrape task attempt.")
	runThreshold = runCmd.Flags().Float64("error-threshold", 0.25, "Item failure rate above which the run fails.")
	runDb = runCmd.Flags().String("db", "catalog.db", "The database to upsert activities into.")
	runConfig = runCmd.Flags().String("config", "providers.json5", "The provider configuration file.")
	runJson = runCmd.Flags().Bool("json", false, "Print the run summary as json instead of a table.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--providers <ids>] [--concurrency <n>] [--timeout <duration>]",
	Short: "Runs one ingestion pass and prints a per-provider summary.",
	Run: func(cmd *cobra.Command, args []string) {
		applyRunConfig(cmd)

		providers, err := ingestion.LoadProviders(*runConfig)
		if err != nil {
			serviceutil.Fatal("failed to load providers", err)
		}

		database, err := sqliteutil.OpenDB(db.Schema, *runDb)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer database.Close()

		service := catalog.NewService(database)
		runner := ingestion.NewRunner(service, service, ingestion.RunOptions{
			Include:            *runProviders,
			GlobalLimit:        *runConcurrency,
			PerProviderLimit:   *runPerProvider,
			SessionLimit:       *runSessions,
			RunTimeout:         *runTimeout,
			TaskTimeout:        *runTaskTimeout,
			ErrorRateThreshold: *runThreshold,
		})

		summary, runErr := runner.Execute(cmd.Context(), providers)

		if *runJson {
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				serviceutil.Fatal("failed to marshal summary", err)
			}
			fmt.Println(string(out))
		} else {
			printSummary(summary)
		}

		if runErr != nil {
			fmt.Fprintln(os.Stderr, runErr)
			os.Exit(1)
		}
	},
}

func printSummary(summary ingestion.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Created", "Updated", "Unchanged", "Removed", "Errors"})

	ids := make([]string, 0, len(summary.Providers))
	for id := range summary.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := summary.Providers[id]
		t.AppendRow(table.Row{id, p.Created, p.Updated, p.Unchanged, p.Removed, p.Errors})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()

	for _, id := range ids {
		for _, failure := range summary.Providers[id].Failures {
			fmt.Printf("%s: %s\n", id, failure)
		}
	}
	fmt.Printf("took %s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
}
