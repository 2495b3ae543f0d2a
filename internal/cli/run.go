package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/me/vgrid/internal/capture"
	"github.com/me/vgrid/internal/config"
	"github.com/me/vgrid/internal/connector"
	"github.com/me/vgrid/internal/driver"
	"github.com/me/vgrid/internal/eyes"
	"github.com/me/vgrid/internal/metrics"
	"github.com/me/vgrid/internal/scheduler"
	"github.com/me/vgrid/internal/store"
	"github.com/me/vgrid/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// runOptions are the run command flags.
type runOptions struct {
	suitePath   string
	dbPath      string
	metricsAddr string
	timeout     time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a suite of visual checks",
		Long: `Run loads a suite file (client configuration plus pages with their checks),
runs every check on every configured browser target and prints one result per
target. The command fails when any target failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := config.LoadSuite(opts.suitePath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return runSuite(ctx, suite, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.suitePath, "suite", "vgrid-suite.yaml", "Suite file")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database recording outcomes (disabled when empty)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this duration (0 waits indefinitely)")
	return cmd
}

// pageRun is one suite page being tested.
type pageRun struct {
	page config.Page
	eyes *eyes.Eyes
	open model.OpenRequest
}

func runSuite(ctx context.Context, suite *config.Suite, opts runOptions, out io.Writer) error {
	log := currentLogger()
	if err := suite.Validate(); err != nil {
		return err
	}
	cfg := suite.Config

	var st store.Store
	if opts.dbPath != "" {
		sqlite, err := store.NewSQLiteStore(opts.dbPath, log)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		if err := sqlite.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		st = sqlite
	}

	m := metrics.New()
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			log.Info("metrics listening", "addr", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	conn, err := connector.NewHTTPConnector(connector.HTTPConfig{
		ServerURL:          cfg.ServerURL,
		APIKey:             cfg.APIKey,
		RenderPollInterval: cfg.RenderPollInterval,
	}, log)
	if err != nil {
		return err
	}
	if err := conn.Health(ctx); err != nil {
		return fmt.Errorf("grid at %s is not reachable: %w", cfg.ServerURL, err)
	}

	runner := scheduler.NewRunner(conn, scheduler.Config{Concurrency: cfg.Concurrency}, log, scheduler.WithMetrics(m))
	go runner.Start(ctx)
	defer runner.Stop()

	if cfg.Batch.ID == "" {
		cfg.Batch.ID = uuid.NewString()
	}
	if cfg.Batch.StartedAt.IsZero() {
		cfg.Batch.StartedAt = time.Now().UTC()
	}

	var runs []pageRun
	for _, page := range suite.Pages {
		run, err := startPage(ctx, cfg, page, runner)
		if err != nil {
			return fmt.Errorf("page %s: %w", page.Name, err)
		}
		runs = append(runs, run)
	}

	runID := "run_" + uuid.NewString()
	fmt.Fprintf(out, "%-24s  %-24s  %-10s  %5s  %10s  %s\n", "TEST", "TARGET", "STATUS", "STEPS", "MISMATCHES", "ERROR")
	for _, run := range runs {
		outcomes, err := run.eyes.AllOutcomes(ctx)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", run.page.Name, err)
		}
		for _, o := range outcomes {
			rec := model.NewOutcomeRecord(runID, run.open, o)
			fmt.Fprintf(out, "%-24s  %-24s  %-10s  %5d  %10d  %s\n",
				run.page.Name, rec.Target, resultLabel(rec), rec.Steps, rec.Mismatches, rec.Error)
			if st != nil {
				if err := st.SaveOutcome(ctx, rec); err != nil {
					return err
				}
			}
		}
	}

	_, err = runner.AllOutcomes(ctx)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", runID, err)
	}
	return nil
}

// startPage opens the page on every target, runs its checks and issues close.
// A failed check is logged; it already failed the page's outcomes.
func startPage(ctx context.Context, cfg config.Config, page config.Page, runner *scheduler.Runner) (pageRun, error) {
	log := currentLogger().With("page", page.Name)
	d, err := driver.NewScriptDriver(page.Script)
	if err != nil {
		return pageRun{}, err
	}
	capturer := capture.New(capture.Config{
		PollInterval: cfg.SnapshotPollInterval,
		Timeout:      cfg.SnapshotTimeout,
		WaitBefore:   cfg.WaitBeforeCapture,
	}, log)

	settings := eyes.Settings{
		AppName:          cfg.AppName,
		TestName:         page.Name,
		APIKey:           cfg.APIKey,
		AgentID:          cfg.AgentID,
		Batch:            cfg.Batch,
		BranchName:       cfg.BranchName,
		ParentBranchName: cfg.ParentBranchName,
		MatchLevel:       cfg.MatchLevel,
		SendDom:          cfg.SendDom,
	}
	e := eyes.New(runner, capture.NewPage(d, capturer), settings, log)
	e.SetListener(eyes.Listener{
		OnRenderComplete: func(target model.RenderTarget, out model.JobOutcome) {
			log.Debug("render complete", "target", target.Key(), "render_id", out.RenderID, "failed", out.Failed())
		},
	})

	if err := e.Open(ctx, cfg.Browsers); err != nil {
		return pageRun{}, err
	}
	for _, check := range page.Checks {
		if err := e.Check(ctx, check); err != nil {
			log.Warn("check failed", "check", check.Name, "error", err)
		}
	}
	if _, err := e.CloseAsync(); err != nil {
		return pageRun{}, err
	}

	open := model.OpenRequest{
		AppName:    settings.AppName,
		TestName:   settings.TestName,
		Batch:      settings.Batch,
		BranchName: settings.BranchName,
	}
	return pageRun{page: page, eyes: e, open: open}, nil
}

func resultLabel(rec *model.OutcomeRecord) string {
	switch {
	case rec.Aborted:
		return "aborted"
	case rec.Error != "":
		return "failed"
	case rec.Passed() && rec.IsNew:
		return "new"
	case rec.Status == "":
		return "unknown"
	}
	return strings.ToLower(string(rec.Status))
}
