// coxfer fetches URLs concurrently as cooperative tasks over one
// multiplexed HTTP transport.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webriots/coxfer"
	"github.com/webriots/coxfer/internal/config"
	"github.com/webriots/coxfer/internal/logging"
)

const version = "0.1.0"

type fetchTask = coxfer.Task[*coxfer.Request, *coxfer.Response]

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:     "coxfer",
		Short:   "Run network transfers as cooperative tasks",
		Version: version,
		Long: `coxfer runs many transfers concurrently as cooperatively scheduled
tasks over one multiplexed HTTP transport.

Examples:
  # Fetch several URLs at once
  coxfer fetch https://example.com https://example.org

  # Share one transfer between duplicate URLs
  coxfer fetch --coalesce https://example.com https://example.com
`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: coxfer.yaml in ., ./configs or ~/.coxfer)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
		}
		return cfg, nil
	}

	rootCmd.AddCommand(fetchCmd(load))
	return rootCmd
}

func fetchCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		method      string
		concurrency int
		pollTimeout time.Duration
		coalesce    bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch [flags] <url>...",
		Short: "Fetch URLs concurrently and print one line per URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("concurrency") {
				cfg.Scheduler.Concurrency = concurrency
			}
			if flags.Changed("poll-timeout") {
				cfg.Scheduler.PollTimeout = pollTimeout
			}
			if flags.Changed("coalesce") {
				cfg.Scheduler.Coalesce = coalesce
			}
			if flags.Changed("timeout") {
				cfg.HTTP.Timeout = timeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			failed, err := fetch(ctx, cfg, log, method, args, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d transfers failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Maximum simultaneous transfers")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", 0, "Bound of one transport poll")
	cmd.Flags().BoolVar(&coalesce, "coalesce", false, "Share one transfer between identical GET requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout of a single transfer")

	return cmd
}

// fetch starts one task per URL, runs the scheduler and writes the
// outcome of each task to out in argument order. It returns the
// number of failed tasks and the error that aborted the run, if any.
func fetch(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	method string,
	urls []string,
	out io.Writer,
) (int, error) {
	transport := coxfer.NewHTTPTransport(
		&http.Client{Timeout: cfg.HTTP.Timeout},
		coxfer.HTTPOptions{
			Concurrency: cfg.Scheduler.Concurrency,
			Coalesce:    cfg.Scheduler.Coalesce,
			MaxBody:     cfg.HTTP.MaxBodyBytes,
		},
	)

	sched := coxfer.New[*coxfer.Request, *coxfer.Response](
		transport,
		coxfer.WithPollTimeout(cfg.Scheduler.PollTimeout),
		coxfer.WithLogger(log),
	)

	header := http.Header{}
	if cfg.HTTP.UserAgent != "" {
		header.Set("User-Agent", cfg.HTTP.UserAgent)
	}

	tasks := make([]*fetchTask, len(urls))
	for i, url := range urls {
		req := &coxfer.Request{Method: method, URL: url, Header: header}
		tasks[i] = sched.StartContext(ctx, func(_ context.Context, t *fetchTask) (any, error) {
			return t.Do(req)
		})
	}

	log.Info("fetching", zap.Int("urls", len(urls)), zap.Bool("coalesce", cfg.Scheduler.Coalesce))

	runErr := sched.Run(ctx)
	if runErr != nil {
		log.Error("run aborted", zap.Error(runErr))
	}

	failed := 0
	for i, task := range tasks {
		resp, err := coxfer.ResultAs[*coxfer.Response](task)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror\t%v\n", urls[i], err)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\t%d bytes\t%s\n", urls[i], resp.StatusCode, len(resp.Body), resp.Elapsed.Round(time.Millisecond))
	}

	stats := sched.Stats()
	log.Info("done",
		zap.Int("failed", failed),
		zap.Int("polls", stats.Polls),
		zap.Int("resumes", stats.Resumes),
		zap.Int("coalesced", transport.Coalesced()))

	return failed, runErr
}
