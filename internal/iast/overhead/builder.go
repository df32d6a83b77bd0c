package overhead

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Defaults applied by NewBuilder.
const (
	DefaultSamplingPercent           = 100
	DefaultMaxConcurrentRequests     = 2
	DefaultVulnerabilitiesPerRequest = 2
)

// Builder assembles a Controller from resolved settings. It never reads
// configuration itself.
type Builder struct {
	unlimited        bool
	samplingPercent  int
	maxConcurrent    int
	perRequest       int
	reportsPerSecond float64
	logger           *zap.Logger
}

func NewBuilder() *Builder {
	return &Builder{
		samplingPercent: DefaultSamplingPercent,
		maxConcurrent:   DefaultMaxConcurrentRequests,
		perRequest:      DefaultVulnerabilitiesPerRequest,
	}
}

// Unlimited selects the mode where every request is admitted and every quota
// check passes.
func (b *Builder) Unlimited() *Builder {
	b.unlimited = true
	return b
}

// SamplingPercent sets the share of requests analyzed, 1 to 100.
func (b *Builder) SamplingPercent(pct int) *Builder {
	b.samplingPercent = pct
	return b
}

func (b *Builder) MaxConcurrentRequests(n int) *Builder {
	b.maxConcurrent = n
	return b
}

func (b *Builder) VulnerabilitiesPerRequest(n int) *Builder {
	b.perRequest = n
	return b
}

// ReportsPerSecond caps reports across all scopes. Zero means no global cap.
func (b *Builder) ReportsPerSecond(r float64) *Builder {
	b.reportsPerSecond = r
	return b
}

func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the settings and returns the controller.
func (b *Builder) Build() (Controller, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("overhead")

	if b.unlimited {
		logger.Info("Overhead controller initialized.", zap.String("mode", "unlimited"))
		return &unlimited{}, nil
	}

	var err error
	if b.samplingPercent < 1 || b.samplingPercent > 100 {
		err = multierr.Append(err, fmt.Errorf("sampling percent must be between 1 and 100, got %d", b.samplingPercent))
	}
	if b.maxConcurrent <= 0 {
		err = multierr.Append(err, fmt.Errorf("max concurrent requests must be a positive integer, got %d", b.maxConcurrent))
	}
	if b.perRequest < 0 {
		err = multierr.Append(err, fmt.Errorf("vulnerabilities per request must not be negative, got %d", b.perRequest))
	}
	if b.reportsPerSecond < 0 || math.IsNaN(b.reportsPerSecond) || math.IsInf(b.reportsPerSecond, 0) {
		err = multierr.Append(err, fmt.Errorf("reports per second must be a finite non-negative number, got %v", b.reportsPerSecond))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid overhead configuration: %w", err)
	}

	s := &sampled{
		every:  samplingInterval(b.samplingPercent),
		budget: b.perRequest,
		sem:    semaphore.NewWeighted(int64(b.maxConcurrent)),
		logger: logger,
	}
	if b.reportsPerSecond > 0 {
		burst := max(1, int(math.Ceil(b.reportsPerSecond)))
		s.limiter = rate.NewLimiter(rate.Limit(b.reportsPerSecond), burst)
	}
	logger.Info("Overhead controller initialized.",
		zap.String("mode", "sampled"),
		zap.Int("sampling_percent", b.samplingPercent),
		zap.Uint64("sample_every", s.every),
		zap.Int("max_concurrent_requests", b.maxConcurrent),
		zap.Int("vulnerabilities_per_request", b.perRequest),
		zap.Float64("reports_per_second", b.reportsPerSecond),
	)
	return s, nil
}

// samplingInterval maps a percentage to "analyze every n-th request".
func samplingInterval(pct int) uint64 {
	return uint64(max(1, int(math.Round(100/float64(pct)))))
}
