package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blackcoderx/courier/pkg/runner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	benchEnv         string
	benchMetricsAddr string
)

func init() {
	f := benchCmd.Flags()
	f.StringVarP(&benchEnv, "env", "e", "dev", "environment to use for variable substitution")
	f.Duration("duration", 0, "how long to run (default from config, 10s)")
	f.Int("rps", 0, "requests per second across all users")
	f.Int("users", 0, "concurrent users")
	f.Duration("ramp-up", 0, "spread user start over this period")
	f.Int64("max", 0, "stop after this many requests")
	f.StringVar(&benchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	_ = v.BindPFlag("bench.duration", f.Lookup("duration"))
	_ = v.BindPFlag("bench.requests_per_second", f.Lookup("rps"))
	_ = v.BindPFlag("bench.concurrent_users", f.Lookup("users"))
	_ = v.BindPFlag("bench.ramp_up", f.Lookup("ramp-up"))
	_ = v.BindPFlag("bench.max_requests", f.Lookup("max"))

	rootCmd.AddCommand(benchCmd)
}

var benchCmd = &cobra.Command{
	Use:   "bench <request>",
	Short: "Load test a saved request",
	Long: `Send a saved request repeatedly from concurrent users at a fixed rate and report
latency percentiles, throughput and the status code distribution. Authorization is
resolved once before the run starts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		saved, err := a.loadRequest(args[0], benchEnv)
		if err != nil {
			return fmt.Errorf("failed to load request '%s': %w", args[0], err)
		}
		req, err := saved.Build(a.settings.BaseRequest())
		if err != nil {
			return err
		}
		if err := a.applyAuth(ctx, saved, &req, false); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		if benchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              benchMetricsAddr,
				Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("Serving metrics on http://"+benchMetricsAddr+"/metrics"))
		}

		cfg := a.settings.Bench
		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render(fmt.Sprintf("Running %s %s for %s at %d req/s with %d users",
			req.Method, req.URL, cfg.Duration, cfg.RequestsPerSecond, cfg.ConcurrentUsers)))

		report, err := runner.New(a.engine, a.log).Run(ctx, req, cfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render("Performance Test Results"))
		fmt.Fprintln(out)
		fmt.Fprint(out, textStyle.Render(report.String()))
		fmt.Fprintln(out)
		if report.FailedReqs > 0 {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%d request(s) failed", report.FailedReqs)))
		}
		return nil
	},
}
