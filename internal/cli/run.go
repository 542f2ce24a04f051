package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/ciloop/internal/audit"
	"github.com/lucasnoah/ciloop/internal/config"
	"github.com/lucasnoah/ciloop/internal/display"
	"github.com/lucasnoah/ciloop/internal/gcs"
	"github.com/lucasnoah/ciloop/internal/lock"
	"github.com/lucasnoah/ciloop/internal/loop"
	"github.com/lucasnoah/ciloop/internal/poll"
	"github.com/lucasnoah/ciloop/internal/trigger"
)

var runOpts struct {
	targets      []string
	branch       string
	maxAttempts  int
	wait         time.Duration
	pollInterval time.Duration
	secretPolicy string
	noLock       bool
	metricsAddr  string
	format       string
	auditDir     string
	database     string
	upload       string
}

// errLoopFailed makes the process exit non-zero when the loop ends without success.
var errLoopFailed = errors.New("loop ended without success")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the remediation loop until every target succeeds or attempts run out",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)
		if err := validateConfig(cfg); err != nil {
			return err
		}
		if runOpts.format != "text" && runOpts.format != "json" {
			return fmt.Errorf("invalid --format %q: want text or json", runOpts.format)
		}

		targets, err := resolveTargets(cfg, runOpts.targets)
		if err != nil {
			return err
		}

		if cfg.Loop.LockEnabled() {
			dir, err := lock.DefaultDir()
			if err != nil {
				return err
			}
			l, err := lock.Acquire(lock.PathFor(dir, cfg.Loop.Repo))
			if err != nil {
				return err
			}
			defer l.Release()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runOpts.metricsAddr != "" {
			shutdown := serveMetrics(runOpts.metricsAddr)
			defer shutdown()
		}

		res, err := runLoop(ctx, cmd, cfg, cfg.LoopOptions(targets))
		if err != nil {
			return err
		}

		if runOpts.format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				*loop.Result
				State *loop.LoopState `json:"state"`
			}{res, res.State}); err != nil {
				return err
			}
		} else {
			display.New(cmd.OutOrStdout(), display.ColorEnabled(os.Stdout)).Summary(res)
		}

		if !res.Success {
			return errLoopFailed
		}
		return nil
	},
}

// applyRunFlags lets explicitly set flags override the config file.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	l := &cfg.Loop
	if f.Changed("branch") {
		l.Branch = runOpts.branch
	}
	if f.Changed("max-attempts") {
		l.MaxAttempts = runOpts.maxAttempts
	}
	if f.Changed("wait") {
		l.Wait = config.Duration(runOpts.wait)
	}
	if f.Changed("poll-interval") {
		l.PollInterval = config.Duration(runOpts.pollInterval)
	}
	if f.Changed("secret-policy") {
		l.SecretPolicy = runOpts.secretPolicy
	}
	if runOpts.noLock {
		off := false
		l.Lock = &off
	}
	if f.Changed("audit-dir") {
		l.Audit.Dir = runOpts.auditDir
	}
	if f.Changed("db") {
		l.Audit.Database = runOpts.database
	}
	if f.Changed("upload") {
		l.Audit.Upload = runOpts.upload
	}
}

func runLoop(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts loop.Options) (*loop.Result, error) {
	logger := slog.Default()
	backend := newCIBackend(cfg)

	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}

	pollOpts := poll.Options{Interval: cfg.PollInterval(), Logger: logger}
	if cfg.Loop.PollRate > 0 {
		pollOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.Loop.PollRate), 1)
	}

	writer, err := auditWriter(cfg)
	if err != nil {
		return nil, err
	}
	recorders := []loop.Recorder{writer}

	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if database != nil {
		defer database.Close()
		recorders = append(recorders, database.Recorder(cfg.Loop.Repo))
	}
	if runOpts.format == "text" {
		p := display.New(cmd.OutOrStdout(), display.ColorEnabled(os.Stdout))
		recorders = append(recorders, &display.Reporter{P: p, MaxAttempts: opts.MaxAttempts})
	}

	ctrl := loop.NewController(opts, loop.Deps{
		Client:     backend,
		Secrets:    backend,
		Trigger:    trigger.New(backend, logger),
		Poller:     poll.New(backend, pollOpts),
		Classifier: classifier,
		Recorders:  recorders,
		Logger:     logger,
	})
	res, err := ctrl.Run(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Loop.Audit.Upload != "" {
		if err := uploadRun(context.WithoutCancel(ctx), cfg, writer, res.RunID); err != nil {
			slog.Warn("audit upload failed", "run_id", res.RunID, "error", err)
		}
	}
	return res, nil
}

// uploadRun copies the run's audit directory to <upload>/<run-id>/.
func uploadRun(ctx context.Context, cfg *config.Config, writer *audit.JSONLWriter, runID string) error {
	loc, err := gcs.ParseURL(cfg.Loop.Audit.Upload)
	if err != nil {
		return err
	}
	dir, err := writer.RunDir(runID)
	if err != nil {
		return err
	}
	up, err := gcs.NewUploader(ctx, cfg.Loop.Audit.CredentialsFile, slog.Default())
	if err != nil {
		return err
	}
	defer up.Close()

	loc.Prefix = path.Join(loc.Prefix, runID)
	_, err = up.UploadDir(ctx, dir, loc)
	return err
}

// serveMetrics exposes Prometheus metrics until the returned func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVarP(&runOpts.targets, "target", "t", nil, "workflow target name[@branch] (repeatable; overrides config targets)")
	f.StringVar(&runOpts.branch, "branch", config.DefaultBranch, "default branch for targets without one")
	f.IntVar(&runOpts.maxAttempts, "max-attempts", loop.DefaultMaxAttempts, "maximum number of attempts")
	f.DurationVar(&runOpts.wait, "wait", loop.DefaultWait, "how long each attempt waits for runs to settle")
	f.DurationVar(&runOpts.pollInterval, "poll-interval", poll.DefaultInterval, "time between status checks of one target")
	f.StringVar(&runOpts.secretPolicy, "secret-policy", string(loop.SecretPolicyWarn), "missing secret handling: warn or skip_trigger")
	f.BoolVar(&runOpts.noLock, "no-lock", false, "allow concurrent loops against the same repository")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&runOpts.format, "format", "text", "output format: text or json")
	f.StringVar(&runOpts.auditDir, "audit-dir", "", "directory for JSONL audit trails (default ~/.ciloop/runs)")
	f.StringVar(&runOpts.database, "db", "", "SQLite path or postgres:// DSN to record attempts in")
	f.StringVar(&runOpts.upload, "upload", "", "gs://bucket/prefix to upload the audit trail to")
}
