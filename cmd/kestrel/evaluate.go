package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

var evaluateFlags struct {
	policy string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <claim.json>",
	Short: "Adjudicate one claim offline",
	Long: `Evaluate a claim against a policy file and print the decision as JSON.
Nothing is persisted. The claim file uses the POST /claims/evaluate body;
without providerMetrics the fraud layer reports DEGRADED.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVarP(&evaluateFlags.policy, "policy", "p", "", "policy file (defaults to policy.file_path)")
}

type fixedSnapshot struct {
	snap *snapshot.Snapshot
}

func (f fixedSnapshot) Current() *snapshot.Snapshot { return f.snap }

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	policyPath := evaluateFlags.policy
	if policyPath == "" {
		policyPath = cfg.Policy.FilePath
	}
	if policyPath == "" {
		return fmt.Errorf("a policy file is required (--policy or policy.file_path)")
	}

	bundle, err := configstore.LoadBundle(policyPath)
	if err != nil {
		return err
	}
	snap, err := configstore.ValidateBundle(bundle, cfg.Tunables)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read claim file %q: %w", args[0], err)
	}
	var req api.EvaluateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse claim file %q: %w", args[0], err)
	}

	// Keep stdout for the decision.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	engine := orchestrator.New(orchestrator.Deps{
		Snapshots: fixedSnapshot{snap},
		Recorder:  audit.NewRecorder(nil, nil),
		Logger:    logger,
	})

	res, err := engine.Evaluate(cmd.Context(), &req.NormalizedClaim, req.ProviderMetrics)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
