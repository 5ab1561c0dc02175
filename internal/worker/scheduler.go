package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
	"dcs-mission-validator/internal/telemetry"
)

// DefaultPollInterval is used when the configured interval is not positive.
const DefaultPollInterval = 250 * time.Millisecond

// ErrStopTimeout is returned by Stop when the worker is still busy at the
// deadline. The in-flight validation has been cancelled but may not have
// returned yet.
var ErrStopTimeout = errors.New("scheduler worker did not stop in time")

// ErrWorkerExiting is returned by Start while an abandoned worker is still
// running.
var ErrWorkerExiting = errors.New("previous scheduler worker has not exited yet")

// Handler validates a single settled archive.
type Handler func(ctx context.Context, ref models.FileRef) error

// Scheduler turns bursts of change notifications into one delayed
// validation per file. A single worker goroutine polls the pending table and
// runs due jobs one at a time; the table lock is never held while a handler
// runs.
type Scheduler struct {
	quietPeriod  time.Duration
	pollInterval time.Duration
	handler      Handler
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*models.PendingJob
	seq     uint64

	lifeMu  sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler using the policy's quiet period.
func NewScheduler(policy models.ValidationPolicy, pollInterval time.Duration, handler Handler) *Scheduler {
	return NewSchedulerWithLogger(policy, pollInterval, handler, logger.ComponentLogger("scheduler"))
}

// NewSchedulerWithLogger creates a scheduler with an explicit logger.
func NewSchedulerWithLogger(policy models.ValidationPolicy, pollInterval time.Duration, handler Handler, log *zap.SugaredLogger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		quietPeriod:  policy.QuietPeriod,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       log,
		pending:      make(map[string]*models.PendingJob),
	}
}

// Start launches the worker. It is a no-op while the worker is running. It
// returns ErrWorkerExiting, and starts nothing, while a worker abandoned by a
// timed-out Stop is still finishing its validation.
func (s *Scheduler) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running {
		return nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.logger.Warnw("Previous scheduler worker still exiting, not starting a second one")
			return ErrWorkerExiting
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.cancel = cancel
	s.running = true

	go s.run(ctx, s.stop, s.done)
	s.logger.Infow("Scheduler started",
		"quiet_period", s.quietPeriod,
		"poll_interval", s.pollInterval)
	return nil
}

// Add inserts ref into the pending table, or pushes back the due time of
// the job already pending for the same path.
func (s *Scheduler) Add(ref models.FileRef) {
	telemetry.NotificationCounter.Inc()
	due := time.Now().Add(s.quietPeriod)

	s.mu.Lock()
	if job, ok := s.pending[ref.Key()]; ok {
		job.Ref = ref
		job.DueAt = due
		s.mu.Unlock()

		telemetry.DebounceCounter.Inc()
		s.logger.Debugw("Pending validation postponed",
			logger.FieldPath, ref.Path,
			logger.FieldDueAt, due)
		return
	}
	s.seq++
	s.pending[ref.Key()] = &models.PendingJob{Ref: ref, DueAt: due, Seq: s.seq}
	n := len(s.pending)
	s.mu.Unlock()

	telemetry.PendingGauge.Set(float64(n))
	s.logger.Debugw("Validation scheduled",
		logger.FieldPath, ref.Path,
		logger.FieldDueAt, due,
		logger.FieldPending, n)
}

// Stop signals the worker and waits up to timeout for it to exit. If the
// deadline passes, the in-flight validation's context is cancelled and
// ErrStopTimeout is returned without waiting further.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		s.cancel()
		s.logger.Infow("Scheduler stopped", logger.FieldPending, s.Pending())
		return nil
	case <-timer.C:
	}

	s.cancel()
	s.logger.Warnw("Scheduler worker did not exit in time, in-flight validation cancelled",
		"timeout", timeout)
	return ErrStopTimeout
}

// Pending returns the number of jobs waiting for their quiet period.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Snapshot returns copies of the pending jobs ordered by due time.
func (s *Scheduler) Snapshot() []models.PendingJob {
	s.mu.Lock()
	out := make([]models.PendingJob, 0, len(s.pending))
	for _, job := range s.pending {
		out = append(out, *job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return earlier(out[i], out[j]) })
	return out
}

func earlier(a, b models.PendingJob) bool {
	if a.DueAt.Equal(b.DueAt) {
		return a.Seq < b.Seq
	}
	return a.DueAt.Before(b.DueAt)
}

// popDue removes and returns the earliest job whose due time has passed.
func (s *Scheduler) popDue(now time.Time) (models.PendingJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.PendingJob
	for _, job := range s.pending {
		if job.DueAt.After(now) {
			continue
		}
		if next == nil || earlier(*job, *next) {
			next = job
		}
	}
	if next == nil {
		return models.PendingJob{}, false
	}
	delete(s.pending, next.Ref.Key())
	telemetry.PendingGauge.Set(float64(len(s.pending)))
	return *next, true
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		for {
			select {
			case <-stop:
				return
			default:
			}
			job, ok := s.popDue(time.Now())
			if !ok {
				break
			}
			s.execute(ctx, job)
		}
	}
}

// execute runs the handler for one job. Errors and panics are logged and
// never escape the worker loop.
func (s *Scheduler) execute(ctx context.Context, job models.PendingJob) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerFailures.Inc()
			s.logger.Errorw("Validation panicked",
				logger.FieldPath, job.Ref.Path,
				"panic", r)
		}
	}()

	s.logger.Debugw("Processing pending validation", logger.FieldPath, job.Ref.Path)
	if err := s.handler(ctx, job.Ref); err != nil {
		telemetry.HandlerFailures.Inc()
		s.logger.Errorw("Validation failed",
			logger.FieldPath, job.Ref.Path,
			logger.FieldError, err,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		return
	}
	s.logger.Debugw("Validation finished",
		logger.FieldPath, job.Ref.Path,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
}
