// Package runner drives a saved request at a fixed rate from a pool of
// concurrent workers and summarises latency and status codes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Executor runs one request. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Config describes a load run.
type Config struct {
	Duration          time.Duration `mapstructure:"duration"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	ConcurrentUsers   int           `mapstructure:"concurrent_users"`
	RampUp            time.Duration `mapstructure:"ramp_up"`
	// MaxRequests stops the run early once reached. Zero means no cap.
	MaxRequests int64 `mapstructure:"max_requests"`
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return errors.New("duration must be greater than 0")
	}
	if c.RequestsPerSecond <= 0 {
		return errors.New("requests per second must be greater than 0")
	}
	if c.ConcurrentUsers <= 0 {
		return errors.New("concurrent users must be greater than 0")
	}
	if c.RampUp < 0 {
		return errors.New("ramp-up cannot be negative")
	}
	if c.MaxRequests < 0 {
		return errors.New("max requests cannot be negative")
	}
	return nil
}

// Report holds the results of a load run.
type Report struct {
	TotalRequests    int64            `json:"total_requests"`
	SuccessfulReqs   int64            `json:"successful_requests"`
	FailedReqs       int64            `json:"failed_requests"`
	Duration         time.Duration    `json:"duration"`
	Throughput       float64          `json:"throughput_rps"`
	LatencyP50       time.Duration    `json:"latency_p50"`
	LatencyP95       time.Duration    `json:"latency_p95"`
	LatencyP99       time.Duration    `json:"latency_p99"`
	MinLatency       time.Duration    `json:"min_latency"`
	MaxLatency       time.Duration    `json:"max_latency"`
	AvgLatency       time.Duration    `json:"avg_latency"`
	ErrorRate        float64          `json:"error_rate_percent"`
	StatusCodeCounts map[int]int64    `json:"status_codes"`
	ErrorCodes       map[string]int64 `json:"error_codes"`
}

// Runner executes load runs.
type Runner struct {
	exec Executor
	log  *logging.Logger
}

// New creates a Runner.
func New(exec Executor, log *logging.Logger) *Runner {
	return &Runner{exec: exec, log: log.Named("runner")}
}

// collector accumulates samples from the workers.
type collector struct {
	total, ok, failed atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int64
	errors    map[string]int64
}

func (c *collector) success(status int, d time.Duration) {
	c.total.Add(1)
	c.ok.Add(1)
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.statuses[status]++
	c.mu.Unlock()
}

func (c *collector) failure(code string) {
	c.total.Add(1)
	c.failed.Add(1)
	c.mu.Lock()
	c.errors[code]++
	c.mu.Unlock()
}

// Run sends req repeatedly until cfg.Duration elapses, ctx is cancelled or
// cfg.MaxRequests have been dispatched. Each send is a full Execute, so
// redirects and cookies behave as they do for a single request.
func (r *Runner) Run(ctx context.Context, req engine.Request, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, errors.New("request URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	col := &collector{statuses: map[int]int64{}, errors: map[string]int64{}}
	var dispatched atomic.Int64

	r.log.Info("load run started",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("users", cfg.ConcurrentUsers),
		zap.Int("rps", cfg.RequestsPerSecond),
		zap.Duration("duration", cfg.Duration))

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < cfg.ConcurrentUsers; i++ {
		delay := rampDelay(i, cfg.ConcurrentUsers, cfg.RampUp)
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
			}
			for {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				if cfg.MaxRequests > 0 && dispatched.Add(1) > cfg.MaxRequests {
					cancel()
					return nil
				}

				// Redirect overflow carries a response but counts as a failure.
				res, err := r.exec.Execute(ctx, req)
				if err != nil {
					// Cancelled mid-flight: the run is over.
					if ctx.Err() != nil {
						return nil
					}
					col.failure(engine.ErrorCode(err))
					continue
				}
				col.success(res.Response.Status, res.Duration)
			}
		})
	}
	_ = g.Wait()

	report := col.report(time.Since(start))
	r.log.Info("load run finished",
		zap.Int64("total", report.TotalRequests),
		zap.Int64("failed", report.FailedReqs),
		zap.Duration("p95", report.LatencyP95))
	return report, nil
}

func rampDelay(worker, users int, rampUp time.Duration) time.Duration {
	if rampUp <= 0 || users <= 0 {
		return 0
	}
	return time.Duration(int64(rampUp) * int64(worker) / int64(users))
}

func (c *collector) report(elapsed time.Duration) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := &Report{
		TotalRequests:    c.total.Load(),
		SuccessfulReqs:   c.ok.Load(),
		FailedReqs:       c.failed.Load(),
		Duration:         elapsed,
		StatusCodeCounts: c.statuses,
		ErrorCodes:       c.errors,
	}
	if rep.TotalRequests > 0 {
		rep.Throughput = float64(rep.TotalRequests) / elapsed.Seconds()
		rep.ErrorRate = float64(rep.FailedReqs) / float64(rep.TotalRequests) * 100
	}

	lat := c.latencies
	if len(lat) == 0 {
		return rep
	}
	slices.Sort(lat)
	rep.MinLatency = lat[0]
	rep.MaxLatency = lat[len(lat)-1]
	rep.LatencyP50 = lat[percentileIndex(len(lat), 50)]
	rep.LatencyP95 = lat[percentileIndex(len(lat), 95)]
	rep.LatencyP99 = lat[percentileIndex(len(lat), 99)]

	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	rep.AvgLatency = sum / time.Duration(len(lat))
	return rep
}

// percentileIndex returns the nearest-rank index for percentile p.
func percentileIndex(n, p int) int {
	if n == 0 {
		return 0
	}
	index := int(math.Ceil(float64(n)*float64(p)/100.0)) - 1
	return max(0, min(index, n-1))
}

// String renders the report as plain text.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Duration:       %.2fs\n", r.Duration.Seconds())
	fmt.Fprintf(&b, "Total Requests: %d\n", r.TotalRequests)
	fmt.Fprintf(&b, "Successful:     %d\n", r.SuccessfulReqs)
	fmt.Fprintf(&b, "Failed:         %d\n", r.FailedReqs)
	fmt.Fprintf(&b, "Error Rate:     %.2f%%\n", r.ErrorRate)
	fmt.Fprintf(&b, "Throughput:     %.2f req/sec\n\n", r.Throughput)

	b.WriteString("Latency:\n")
	fmt.Fprintf(&b, "  Min:     %v\n", r.MinLatency)
	fmt.Fprintf(&b, "  Average: %v\n", r.AvgLatency)
	fmt.Fprintf(&b, "  P50:     %v\n", r.LatencyP50)
	fmt.Fprintf(&b, "  P95:     %v\n", r.LatencyP95)
	fmt.Fprintf(&b, "  P99:     %v\n", r.LatencyP99)
	fmt.Fprintf(&b, "  Max:     %v\n", r.MaxLatency)

	if len(r.StatusCodeCounts) > 0 {
		b.WriteString("\nStatus Codes:\n")
		codes := make([]int, 0, len(r.StatusCodeCounts))
		for code := range r.StatusCodeCounts {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		for _, code := range codes {
			count := r.StatusCodeCounts[code]
			pct := float64(count) / float64(r.SuccessfulReqs) * 100
			fmt.Fprintf(&b, "  %d: %d (%.1f%%)\n", code, count, pct)
		}
	}
	if len(r.ErrorCodes) > 0 {
		b.WriteString("\nErrors:\n")
		codes := make([]string, 0, len(r.ErrorCodes))
		for code := range r.ErrorCodes {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "  %s: %d\n", code, r.ErrorCodes[code])
		}
	}
	return b.String()
}
