package commands

import (
	"os"

	"kidsactivity-backend/lib/serviceutil"
	"kidsactivity-backend/services/ingestion"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var providersConfig *string

func init() {
	providersConfig = providersCmd.Flags().String("config", "providers.json5", "The provider configuration file.")
	rootCmd.AddCommand(providersCmd)
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Prints the configured providers.",
	Run: func(cmd *cobra.Command, args []string) {
		providers, err := ingestion.LoadProviders(*providersConfig)
		if err != nil {
			serviceutil.Fatal("failed to load providers", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Id", "Name", "Platform", "Identity", "Sections"})

		for _, provider := range providers {
			t.AppendRow(table.Row{
				provider.ID,
				provider.Name,
				provider.PlatformKind,
				provider.IdentityStrategy,
				len(provider.Sections),
			})
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
