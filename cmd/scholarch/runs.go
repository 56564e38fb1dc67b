package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scholarch/internal/config"
	"scholarch/internal/store"
)

var (
	runsLimit     int
	showSources   bool
	showClaims    bool
	showTrace     bool
	showRawAnswer bool
	unsetFlag     bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past research runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  listRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run: answer, sources, claims, trace",
	Args:  cobra.ExactArgs(1),
	RunE:  showRun,
}

var runsPinCmd = &cobra.Command{
	Use:   "pin [run-id] [ref-id]",
	Short: "Pin a source so context rebuilds always keep it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSourceFlag(args[0], args[1], func(f *store.SourceFlags) { f.Pinned = !unsetFlag })
	},
}

var runsExcludeCmd = &cobra.Command{
	Use:   "exclude [run-id] [ref-id]",
	Short: "Exclude a source from context rebuilds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSourceFlag(args[0], args[1], func(f *store.SourceFlags) { f.Excluded = !unsetFlag })
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "max runs to list")
	runsShowCmd.Flags().BoolVar(&showSources, "sources", false, "include the sources list")
	runsShowCmd.Flags().BoolVar(&showClaims, "claims", false, "include verified claims")
	runsShowCmd.Flags().BoolVar(&showTrace, "trace", false, "include the full trace")
	runsShowCmd.Flags().BoolVar(&showRawAnswer, "raw", false, "print raw Markdown without terminal rendering")
	runsPinCmd.Flags().BoolVar(&unsetFlag, "unset", false, "clear the flag instead of setting it")
	runsExcludeCmd.Flags().BoolVar(&unsetFlag, "unset", false, "clear the flag instead of setting it")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPinCmd)
	runsCmd.AddCommand(runsExcludeCmd)
}

// setSourceFlag updates one pinned/excluded flag while leaving the other
// as currently stored.
func setSourceFlag(runID, refID string, apply func(*store.SourceFlags)) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	flags, err := st.SourceFlagsByRefID(runID)
	if err != nil {
		return err
	}
	f, ok := flags[refID]
	if !ok {
		return fmt.Errorf("no source %s in run %s", refID, runID)
	}
	apply(&f)
	return st.SetSourceFlags(runID, refID, f)
}

func openStore() (*store.RunStore, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(settings.DatabasePath)
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs yet")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-7s  %-7s  %s  %s\n",
			r.ID, r.Mode, r.Status, r.CreatedAt.Format("2006-01-02 15:04"), r.Query)
	}
	return nil
}

func showRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run:     %s\nquery:   %s\nmode:    %s\nstatus:  %s\ncreated: %s\n",
		run.ID, run.Query, run.Mode, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.Error != "" {
		fmt.Printf("error:   %s\n", run.Error)
	}
	if run.FinalAnswer != "" {
		rawOutput = showRawAnswer
		fmt.Println("\n" + renderMarkdown(run.FinalAnswer))
	}

	if showSources {
		records, err := st.Sources(run.ID)
		if err != nil {
			return err
		}
		fmt.Println("\nsources:")
		for _, rec := range records {
			flags := ""
			if rec.Pinned {
				flags += " [pinned]"
			}
			if rec.Excluded {
				flags += " [excluded]"
			}
			fmt.Printf("  %-4s %-28s score=%.3f %s%s\n", rec.Citation, rec.RefID, rec.Score, rec.Title, flags)
		}
	}

	if showClaims {
		claims, err := st.Claims(run.ID)
		if err != nil {
			return err
		}
		fmt.Println("\nclaims:")
		for _, c := range claims {
			fmt.Printf("  [%-9s] %s\n", c.Status, c.Claim)
			for _, ev := range c.Evidence {
				fmt.Printf("      %s: %q\n", ev.Citation, ev.Quote)
			}
		}
	}

	if showTrace {
		events, err := st.TraceEvents(run.ID)
		if err != nil {
			return err
		}
		fmt.Println("\ntrace:")
		for _, ev := range events {
			fmt.Printf("  %s  %-14s %v\n", ev.Timestamp.Format("15:04:05"), ev.Step, ev.Payload)
		}
	}
	return nil
}
