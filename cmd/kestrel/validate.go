package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/configstore"
)

var validateCmd = &cobra.Command{
	Use:   "validate <policy.yaml>",
	Short: "Check a policy file without loading it",
	Long: `Parse a policy bundle and build a snapshot from it. Every condition is
compiled, fraud rules are checked for duplicate patterns and the enabled
risk weights must sum to 1.0.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	bundle, err := configstore.LoadBundle(args[0])
	if err != nil {
		return err
	}
	snap, err := configstore.ValidateBundle(bundle, cfg.Tunables)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n", args[0])
	fmt.Fprintf(out, "  coverage rules:  %d enabled of %d\n", len(snap.Rules()), len(bundle.Rules))
	fmt.Fprintf(out, "  fraud rules:     %d enabled of %d\n", len(snap.FraudRules()), len(bundle.FraudRules))
	fmt.Fprintf(out, "  risk parameters: %d enabled of %d\n", len(snap.RiskParameters()), len(bundle.RiskParameters))
	fmt.Fprintf(out, "  layer timeout:   %s\n", snap.Tunables().LayerTimeout)
	return nil
}
