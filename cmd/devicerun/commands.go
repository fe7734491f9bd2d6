package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/devicerun/internal/config"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/report"
	"github.com/hochfrequenz/devicerun/internal/resultstore"
	"github.com/hochfrequenz/devicerun/internal/runner"
	"github.com/hochfrequenz/devicerun/internal/schedule"
	"github.com/hochfrequenz/devicerun/web/api"
)

var (
	runManifest  string
	runName      string
	runNotify    bool
	runPooling   string
	runTimeout   time.Duration
	historyLimit int
	historyState string
	flakyRuns    int
	flakyLimit   int
	pruneAge     time.Duration
	serveListen  string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the test manifest on the available devices",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "test manifest (overrides run.manifest)")
	runCmd.Flags().StringVar(&runName, "name", "", "name recorded with the run")
	runCmd.Flags().BoolVar(&runNotify, "notify", false, "send a notification when the run finishes")
	runCmd.Flags().StringVar(&runPooling, "pooling", "", `"omni" or a capability key such as "model"`)
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "run timeout (overrides run.timeout)")
	rootCmd.AddCommand(runCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyState, "outcome", "", "filter by outcome")
	rootCmd.AddCommand(historyCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show the tests of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	// flaky command
	flakyCmd := &cobra.Command{
		Use:   "flaky",
		Short: "List tests that were flaky or failed in recent runs",
		RunE:  runFlaky,
	}
	flakyCmd.Flags().IntVar(&flakyRuns, "runs", 20, "number of recent runs to consider")
	flakyCmd.Flags().IntVar(&flakyLimit, "limit", 20, "number of tests to show")
	rootCmd.AddCommand(flakyCmd)

	// prune command
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs from the history",
		RunE:  runPrune,
	}
	pruneCmd.Flags().DurationVar(&pruneAge, "older-than", 30*24*time.Hour, "delete runs started before this age")
	rootCmd.AddCommand(pruneCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides web.listen)")
	rootCmd.AddCommand(serveCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured schedules until interrupted",
		RunE:  runSchedule,
	}
	scheduleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the configured schedules and their next run",
		RunE:  runScheduleList,
	})
	rootCmd.AddCommand(scheduleCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPooling != "" {
		cfg.Run.Pooling = runPooling
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Run.Timeout = config.Duration(runTimeout)
	}

	ctx, cancel := signalContext()
	defer cancel()

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.runner.Run(ctx, runner.Options{
		Name:     runName,
		Manifest: runManifest,
		Notify:   runNotify,
	})
	if err != nil {
		return err
	}

	printSummary(res)
	return outcomeError(res.Report)
}

func printSummary(res runner.Result) {
	r := res.Report
	c := r.Totals()
	fmt.Printf("Run %s finished: %s\n", shortID(r.RunID), r.Outcome)
	fmt.Printf("  %d tests: %d passed, %d flaky, %d failed, %d unfinished (%d excluded by filter)\n",
		c.Total, c.Passed, c.Flaky, c.Failed, c.Unfinished, len(r.Excluded))
	for _, p := range r.Pools {
		fmt.Printf("  pool %s: %s on %d devices\n", p.Pool, p.Outcome, len(p.Devices))
		for _, t := range p.Tests {
			if t.Verdict == domain.VerdictFailFinal {
				fmt.Printf("    FAILED %s (%d attempts)\n", t.ID, t.Attempts)
			}
		}
	}
	fmt.Printf("  took %s, report %s\n", humanize.RelTime(r.StartedAt, r.EndedAt, "", ""), res.ReportPath)
}

// outcomeError maps an outcome to the process exit code
func outcomeError(r report.Report) error {
	switch r.Outcome {
	case domain.OutcomeSuccess:
		return nil
	case domain.OutcomeFailures:
		return &exitError{code: 1, msg: "run finished with test failures"}
	case domain.OutcomeCancelled:
		return &exitError{code: 3, msg: "run cancelled"}
	default:
		return &exitError{code: 2, msg: "run failed: " + string(r.Outcome)}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func withStore(fn func(store *resultstore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withStore(func(store *resultstore.Store) error {
		runs, err := store.ListRuns(resultstore.ListOptions{
			Outcome: domain.RunOutcome(historyState),
			Limit:   historyLimit,
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOUTCOME\tTESTS\tFAILED\tFLAKY\tSTARTED\tDURATION")
		for _, r := range runs {
			name := r.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				shortID(r.ID), name, r.Outcome, r.Counts.Total, r.Counts.Failed, r.Counts.Flaky,
				humanize.Time(r.StartedAt), r.EndedAt.Sub(r.StartedAt).Round(time.Second))
		}
		return w.Flush()
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	return withStore(func(store *resultstore.Store) error {
		run, err := store.GetRun(args[0])
		if errors.Is(err, resultstore.ErrNotFound) {
			return fmt.Errorf("no run matches %q", args[0])
		}
		if err != nil {
			return err
		}
		results, err := store.TestResults(run.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s (%s)\n", run.ID, run.Outcome)
		fmt.Printf("Started %s, took %s\n", humanize.Time(run.StartedAt), run.EndedAt.Sub(run.StartedAt).Round(time.Second))
		if run.ReportPath != "" {
			fmt.Printf("Report: %s\n", run.ReportPath)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POOL\tTEST\tVERDICT\tATTEMPTS\tDURATION")
		for _, r := range results {
			verdict := string(r.Verdict)
			if r.Flaky {
				verdict += " (flaky)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Pool, r.TestID, verdict, r.Attempts, r.Duration.Round(time.Millisecond))
		}
		return w.Flush()
	})
}

func runFlaky(cmd *cobra.Command, args []string) error {
	return withStore(func(store *resultstore.Store) error {
		stats, err := store.FlakyTests(flakyRuns, flakyLimit)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Printf("No flaky or failing tests in the last %d runs\n", flakyRuns)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TEST\tRUNS\tFLAKY\tFAILED")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.TestID, s.Runs, s.Flaky, s.Failed)
		}
		return w.Flush()
	})
}

func runPrune(cmd *cobra.Command, args []string) error {
	return withStore(func(store *resultstore.Store) error {
		cutoff := time.Now().Add(-pruneAge)
		n, err := store.DeleteBefore(cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s runs started before %s\n", humanize.Comma(n), cutoff.Format(time.DateOnly))
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Web.Listen = serveListen
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return api.NewServer(store, cfg.Web.Listen, logger).Start(ctx)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("no [[schedule]] entries configured")
	}

	ctx, cancel := signalContext()
	defer cancel()

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	sched, err := schedule.New(cfg.Schedules, e.logger)
	if err != nil {
		return err
	}
	for _, name := range sched.Names() {
		e.logger.Info("schedule registered", "schedule", name, "next_run", sched.NextRun(name))
	}

	err = sched.Run(ctx, time.Minute, func(ctx context.Context, entry config.ScheduleEntry) error {
		res, err := e.runner.Run(ctx, runner.Options{
			Name:     entry.Name,
			Manifest: entry.Manifest,
			Notify:   entry.NotifyOnComplete,
		})
		if err != nil {
			return err
		}
		return outcomeError(res.Report)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sched, err := schedule.New(cfg.Schedules, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tMANIFEST\tNEXT RUN")
	for _, name := range sched.Names() {
		entry, _ := sched.Entry(name)
		next := sched.NextRun(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s (%s)\n", name, entry.Cron, entry.Manifest,
			next.Format("2006-01-02 15:04"), humanize.Time(next))
	}
	return w.Flush()
}
