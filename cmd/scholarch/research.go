package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scholarch/internal/research"
)

var (
	researchMode   string
	researchPolicy string
	timeBudget     string
	rawOutput      bool
)

var researchCmd = &cobra.Command{
	Use:   "research [question]",
	Short: "Run a research question through the pipeline",
	Long: `Runs a question end to end and prints the cited Markdown report.

Modes:
  deep     multi-step agentic retrieval loop (default)
  classic  single retrieval pass

Example:
  scholarch research "What percentage of global zinc production is used for galvanizing?" --time-budget 5m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().StringVar(&researchMode, "mode", "deep", "pipeline mode: deep or classic")
	researchCmd.Flags().StringVar(&researchPolicy, "policy", "", "override evidence policy: strict or relaxed")
	researchCmd.Flags().StringVar(&timeBudget, "time-budget", "", `minimum research duration ("30m", "2h", or seconds)`)
	researchCmd.Flags().BoolVar(&rawOutput, "raw", false, "print raw Markdown without terminal rendering")
}

func runResearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	pc, closer, err := buildPipeline()
	if err != nil {
		return err
	}
	defer closer()

	if researchPolicy != "" {
		pc.Settings.EvidencePolicy = researchPolicy
	}
	if timeBudget != "" {
		pc.Settings.TimeBudget = timeBudget
	}
	if err := pc.Settings.Validate(); err != nil {
		return err
	}

	runner, err := research.NewRunner(pc)
	if err != nil {
		return err
	}

	logger.Info("starting research",
		zap.String("query", query),
		zap.String("mode", researchMode),
		zap.String("policy", pc.Settings.EvidencePolicy))

	result, err := runner.Run(cmd.Context(), query, research.Mode(researchMode))
	if err != nil {
		return fmt.Errorf("research run failed: %w", err)
	}

	logger.Info("research finished",
		zap.String("run_id", result.RunID),
		zap.Int("steps", result.Steps),
		zap.Int("tool_calls", result.ToolCall),
		zap.Bool("refused", result.Refused))

	fmt.Println(renderMarkdown(result.Answer))
	if result.RunID != "" {
		fmt.Printf("\nrun id: %s\n", result.RunID)
	}
	return nil
}

// renderMarkdown pretty-prints for the terminal, falling back to the
// raw text when rendering is unavailable or disabled.
func renderMarkdown(md string) string {
	if rawOutput {
		return md
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
