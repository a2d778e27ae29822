package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/registrar"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch TERM CRN",
	Short: "Fetch one section from the registrar and print it",
	Long: `Fetch makes a single registrar call and prints the normalized section as
JSON, the same shape that gets stored as a snapshot.

Examples:
  # Look up CRN 12345 for fall 2025
  crnwatch fetch 202531 12345`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := crnwatch.Key{Term: args[0], CRN: args[1]}

		sec, err := newRegistrar().FetchSection(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("error fetching %s: %w", key, err)
		}
		if sec == nil {
			return fmt.Errorf("the registrar has no section %s", key)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sec)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func newRegistrar() *registrar.Client {
	return registrar.New(registrar.Config{
		BaseURL:       cfg.RegistrarURL,
		Timeout:       cfg.RegistrarTimeout,
		RatePerSecond: cfg.RegistrarRate,
		Burst:         cfg.RegistrarBurst,
	})
}
