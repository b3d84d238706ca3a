package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sells-group/scout/internal/provider"
	"github.com/sells-group/scout/internal/resilience"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered providers and their configured limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("providers"); err != nil {
			return err
		}

		names := provider.DefaultRegistry.Names()
		if len(names) == 0 {
			fmt.Println("no provider adapters registered")
		}

		// Include providers that are configured but not compiled in, so
		// a plan referencing them is diagnosable.
		seen := map[string]bool{}
		for _, n := range names {
			seen[n] = true
		}
		for n := range cfg.Providers {
			if !seen[n] {
				names = append(names, n)
			}
		}
		sort.Strings(names)

		def := resilience.DefaultRateConfig()
		for _, n := range names {
			rate, ok := cfg.Providers[n]
			if !ok {
				rate = def
			}
			line := fmt.Sprintf("%-16s %.2f tokens/s, burst %d", n, rate.TokensPerSecond, rate.Burst)
			if a := provider.DefaultRegistry.Get(n); a != nil {
				if _, ok := a.(provider.Lookuper); ok {
					line += "  (direct lookup)"
				}
			} else {
				line += "  (configured, no adapter registered)"
			}
			fmt.Println(line)
		}

		fmt.Printf("\nbreaker: opens after %d consecutive failures, recovers after %s\n",
			cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
