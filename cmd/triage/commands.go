package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognicore/triage/pkg/triage/config"
	"github.com/cognicore/triage/pkg/triage/decision"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and vocabulary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, vocab, logger, err := loadConfig(configPath, logLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()
		idx, err := vocab.Index(cfg.Matching.CaseSensitive, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d keywords, %d context terms, thresholds %.2f/%.2f\n",
			len(idx.Definitions()), len(vocab.ContextTerms), cfg.Triage.LowCutoff, cfg.Triage.HighCutoff)
		return nil
	},
}

var decideFlags struct {
	score     float64
	matches   int
	guardrail string
	duplicate bool
	degraded  bool
}

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Evaluate the decision table for the given signals",
	Long: `Evaluate the decision table without touching any store. Thresholds come
from the configuration file when it exists, otherwise from the defaults.

Examples:
  triage decide --score 0.91 --matches 2
  triage decide --matches 1 --degraded`,
	Args: cobra.NoArgs,
	RunE: runDecide,
}

func init() {
	f := decideCmd.Flags()
	f.Float64Var(&decideFlags.score, "score", 0, "relevancy score; omit when the oracle gave none")
	f.IntVar(&decideFlags.matches, "matches", 0, "keyword match count")
	f.StringVar(&decideFlags.guardrail, "guardrail", string(decision.Pass), "guardrail verdict (pass, fail)")
	f.BoolVar(&decideFlags.duplicate, "duplicate", false, "document is a duplicate")
	f.BoolVar(&decideFlags.degraded, "degraded", false, "assessment is degraded")
}

func runDecide(cmd *cobra.Command, _ []string) error {
	policy := decision.DefaultPolicy()
	if cmd.Flags().Changed("config") {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		policy = cfg.Triage
	}
	verdict, err := decision.ParseVerdict(decideFlags.guardrail)
	if err != nil {
		return err
	}
	in := decision.Inputs{
		Degraded:          decideFlags.degraded,
		KeywordMatchCount: decideFlags.matches,
		Guardrail:         verdict,
		Duplicate:         decision.Original,
	}
	if cmd.Flags().Changed("score") {
		score := decideFlags.score
		in.RelevancyScore = &score
	}
	if decideFlags.duplicate {
		in.Duplicate = decision.Duplicate
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(policy.Decide(in, time.Now()))
}

var reprocessLimit int

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Replay documents left pending by infrastructure failures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.engine.Reprocess(ctx, reprocessLimit)
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d: decided %d, pending %d, errors %d\n",
			res.Processed, res.Decided, res.Pending, res.Errors)
		return err
	},
}

func init() {
	reprocessCmd.Flags().IntVar(&reprocessLimit, "limit", 1000, "maximum documents to replay")
}
