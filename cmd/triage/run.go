package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cognicore/triage/internal/source"
	"github.com/cognicore/triage/pkg/triage"
	"github.com/cognicore/triage/pkg/triage/ingest"
)

var runOutput bool

var runCmd = &cobra.Command{
	Use:   "run <file.jsonl>...",
	Short: "Triage documents from JSON lines files",
	Long: `Triage every document in the given JSON lines files and print a summary.

Examples:
  # Triage one export
  triage run -c triage.yaml feed.jsonl

  # Print every outcome as JSON
  triage run --outcomes feed.jsonl > outcomes.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runOutput, "outcomes", false, "print each outcome as a JSON line")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.Close()

	var docs []ingest.Document
	for _, path := range args {
		batch, err := source.LoadFromJSONL(path, a.logger)
		if err != nil {
			return err
		}
		docs = append(docs, batch...)
	}

	results, err := a.engine.ProcessBatch(ctx, docs)
	if runOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range results {
			if r.Outcome.DocID == "" {
				continue
			}
			if encErr := enc.Encode(r.Outcome); encErr != nil {
				return encErr
			}
		}
	}
	printSummary(cmd.ErrOrStderr(), results)
	return err
}

func printSummary(w io.Writer, results []triage.BatchResult) {
	counts := map[string]int{}
	for _, r := range results {
		switch {
		case r.Outcome.Decision != nil:
			counts[string(r.Outcome.Decision.Action)]++
		case r.Outcome.Reason != "":
			counts["pending:"+r.Outcome.Reason]++
		case r.Err != nil:
			counts["error"]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%d documents\n", len(results))
	for _, k := range keys {
		fmt.Fprintf(w, "  %-40s %d\n", k, counts[k])
	}
}
