// Command checkinctl is the check-in daemon's companion CLI.
//
// Usage:
//
//	checkinctl tick --config config.yaml
//	checkinctl tick --config config.yaml --wait
//	checkinctl status --config config.yaml
//	checkinctl history --config config.yaml --target @dailybot --limit 20
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"checkinbot/internal/app"
	"checkinbot/internal/config"
	"checkinbot/internal/engine"
	"checkinbot/internal/state"
	"checkinbot/internal/storage"
	"checkinbot/internal/telegram"
	logx "checkinbot/pkg/logx"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "checkinctl",
		Short: "Companion CLI for the check-in daemon",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")

	root.AddCommand(tickCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// tick command
// --------------------------------------------------------------------------

func tickCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one engine pass over every configured target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(func(ctx context.Context, cfg *config.Config) error {
				log := logx.NewConsole(cfg.Logging.Level)

				targets, err := app.BuildTargets(cfg)
				if err != nil {
					return err
				}
				store, err := state.NewStore(cfg.StatePath())
				if err != nil {
					return err
				}

				jc, err := app.MapJournalConfig(cfg)
				if err != nil {
					return err
				}
				journal, err := storage.Open(jc, log.With(logx.String("comp", "journal")))
				if err != nil {
					return err
				}
				if journal != nil {
					defer journal.Close()
				}

				pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
				if err != nil {
					return err
				}
				ad, err := telegram.New(telegram.Config{
					Token:       cfg.Telegram.Token,
					PollTimeout: pollTimeout,
				}, log.With(logx.String("comp", "telegram")))
				if err != nil {
					return err
				}
				if err := ad.Start(ctx); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					_ = ad.Stop(stopCtx)
				}()

				mode := engine.ModeFireOnce
				if wait {
					mode = engine.ModeWaitAndFire
				}
				horizon, err := config.ParseDurationOrDefault("scheduler.wait_horizon", cfg.Scheduler.WaitHorizon, config.DefaultWaitHorizon)
				if err != nil {
					return err
				}
				if timeout <= 0 {
					timeout, err = config.ParseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, config.DefaultTickTimeout)
					if err != nil {
						return err
					}
				}

				d := &engine.Driver{
					Store: store,
					Engine: &engine.Engine{
						Sender:  ad,
						Log:     log.With(logx.String("comp", "engine")),
						Journal: journal,
					},
					Targets: targets,
					Mode:    mode,
					Horizon: horizon,
					Log:     log.With(logx.String("comp", "driver")),
				}

				tctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				rep, err := d.Tick(tctx)
				printReport(rep)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block for due moments within the wait horizon (wait-and-fire)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound the whole invocation (default: scheduler.tick_timeout)")
	return cmd
}

func printReport(rep engine.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tOP\tSTATUS\tATTEMPTS\tDUE\tERROR")
	for _, r := range rep.Results {
		due := "-"
		if !r.DueAt.IsZero() {
			due = r.DueAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Target, r.Op, r.Status, r.Attempts, due, dash(r.Err))
	}
	_ = w.Flush()
	fmt.Println(rep.Summary())
}

// --------------------------------------------------------------------------
// status command
// --------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show each target's persisted plan without mutating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(func(ctx context.Context, cfg *config.Config) error {
				store, err := state.NewStore(cfg.StatePath())
				if err != nil {
					return err
				}
				m, err := store.Load(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TARGET\tSTATUS\tDATE\tPLANNED\tDUE\tATTEMPTS\tLAST_SUCCESS\tLAST_ERROR")
				seen := make(map[string]bool, len(cfg.Targets))
				for _, tc := range cfg.Targets {
					seen[tc.Target] = true
					printState(w, tc.Target, m[tc.Target])
				}
				// Records for targets no longer in the config stay in the
				// file; show them so the operator knows they exist.
				var strays []string
				for key := range m {
					if !seen[key] {
						strays = append(strays, key)
					}
				}
				sort.Strings(strays)
				for _, key := range strays {
					printState(w, key+" (unconfigured)", m[key])
				}
				return w.Flush()
			})
		},
	}
}

func printState(w io.Writer, name string, st *state.TargetState) {
	if st == nil {
		fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t-\n", name)
		return
	}
	status, date, planned, due, attempts, lastErr := "-", "-", "-", "-", "-", "-"
	if st.Plan != nil {
		status = string(st.Plan.Status)
		date = st.Plan.Date
		planned = st.Plan.PlannedAt.Local().Format("15:04:05")
		attempts = strconv.Itoa(st.Plan.Attempts)
		if st.Plan.Status == state.StatusPending {
			due = st.Plan.DueAt.Local().Format("15:04:05")
		}
		lastErr = dash(st.Plan.LastError)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		name, status, date, planned, due, attempts, fmtTimePtr(st.LastSuccessAt), lastErr)
}

// --------------------------------------------------------------------------
// history command
// --------------------------------------------------------------------------

func historyCmd() *cobra.Command {
	var (
		target string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent send attempts from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(func(ctx context.Context, cfg *config.Config) error {
				jc, err := app.MapJournalConfig(cfg)
				if err != nil {
					return err
				}
				journal, err := storage.Open(jc, logx.NewConsole(cfg.Logging.Level))
				if err != nil {
					return err
				}
				if journal == nil {
					return fmt.Errorf("no journal configured (set the storage section)")
				}
				defer journal.Close()

				attempts, err := journal.Recent(ctx, target, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "AT\tTARGET\tOP\tSTATUS\tATTEMPTS\tERROR")
				for _, a := range attempts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						a.At.Local().Format("2006-01-02 15:04:05"), a.Target, a.Op, a.Status, a.Attempts, dash(a.Error))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "filter by target (default: all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// runWithConfig handles config loading, validation, and Ctrl-C cancellation.
func runWithConfig(fn func(ctx context.Context, cfg *config.Config) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return fn(ctx, cfg)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fmtTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
