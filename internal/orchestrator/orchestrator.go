package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dcs-mission-validator/internal/api"
	"dcs-mission-validator/internal/config"
	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
	"dcs-mission-validator/internal/queue"
	"dcs-mission-validator/internal/ratelimit"
	"dcs-mission-validator/internal/store"
	"dcs-mission-validator/internal/telemetry"
	"dcs-mission-validator/internal/watcher"
	"dcs-mission-validator/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// Options selects the disposal behaviour of a run.
type Options struct {
	Simulate bool
	Sidecar  bool
}

// Summary counts the verdicts of a one-shot run by action.
type Summary struct {
	Total   int
	Invalid int
	Actions map[string]int
}

// Orchestrator connects the optional backends and drives one-shot and watch
// runs through a single Validator.
type Orchestrator struct {
	cfg       config.Config
	policy    models.ValidationPolicy
	validator *worker.Validator
	store     *store.Store
	redis     *redis.Client
	feed      *queue.RejectFeed
	limiter   *ratelimit.TokenBucket
	logger    *zap.SugaredLogger
}

// New connects Postgres and Redis when they are configured and builds the
// validator. A configured backend that cannot be reached is an error.
func New(ctx context.Context, cfg config.Config, policy models.ValidationPolicy, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		policy: policy,
		logger: logger.ComponentLogger("orchestrator"),
	}

	wopts := worker.Options{Simulate: opts.Simulate, Sidecar: opts.Sidecar}

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "verdict history")
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, errors.Wrap(err, "verdict history migrations")
		}
		o.store = st
		wopts.Recorder = st
		o.logger.Infow("Verdict history enabled")
	}

	if cfg.RedisAddr != "" {
		o.redis = queue.NewRedisClient(cfg)
		if err := o.redis.Ping(ctx).Err(); err != nil {
			o.Close()
			return nil, errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
		}
		o.feed = queue.NewRejectFeed(o.redis, cfg.RejectFeedKey, cfg.RejectFeedMax)
		o.limiter = ratelimit.NewTokenBucket(o.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
		wopts.Rejects = o.feed
		o.logger.Infow("Reject feed enabled", "key", cfg.RejectFeedKey)
	}

	v, err := worker.NewValidator(ctx, cfg, policy, wopts)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.validator = v
	return o, nil
}

// Close releases backend connections.
func (o *Orchestrator) Close() {
	if o.store != nil {
		o.store.Close()
	}
	if o.redis != nil {
		_ = o.redis.Close()
	}
}

// RunOnce validates refs one after another. It stops early only when ctx is
// cancelled; individual failures are logged and counted.
func (o *Orchestrator) RunOnce(ctx context.Context, refs []models.FileRef) (Summary, error) {
	sum := Summary{Actions: make(map[string]int)}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return sum, errors.Wrap(err, "run interrupted")
		}
		v, err := o.validator.Validate(ctx, ref)
		sum.Total++
		sum.Actions[v.Action]++
		if !v.Valid && v.Action != models.ActionSkipped {
			sum.Invalid++
		}
		if err != nil {
			o.logger.Errorw("Validation failed", logger.FieldPath, ref.Path, logger.FieldError, err)
		}
	}
	o.logger.Infow("Validation run finished", "total", sum.Total, "invalid", sum.Invalid)
	return sum, nil
}

// Watch validates archives below root as they settle, until ctx is
// cancelled. The status API and metrics listener run alongside when their
// addresses are configured.
func (o *Orchestrator) Watch(ctx context.Context, root string) error {
	sched := worker.NewScheduler(o.policy, o.cfg.WorkerPollInterval, o.validator.Handle)
	w, err := watcher.New(root, o.cfg.MissionExtension, sched.Add)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := sched.Start(); err != nil {
		return err
	}
	o.logger.Infow("Watch mode started",
		logger.FieldPath, w.Root(),
		"quiet_period", o.policy.QuietPeriod,
		"poll_interval", o.cfg.WorkerPollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})

	var servers []*http.Server
	if o.cfg.HTTPAddr != "" {
		srv := api.New(sched, o.apiOptions(w.Root()))
		servers = append(servers, &http.Server{Addr: o.cfg.HTTPAddr, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second})
	}
	if o.cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{Addr: o.cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second})
	}
	for _, s := range servers {
		s := s
		g.Go(func() error {
			o.logger.Infow("HTTP listener started", logger.FieldAddress, s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "listen %s", s.Addr)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(shutdownCtx)
		}
		return nil
	})

	runErr := g.Wait()

	o.logger.Infow("Stopping scheduler", logger.FieldPending, sched.Pending())
	if err := sched.Stop(o.cfg.StopTimeout); err != nil {
		o.logger.Warnw("Scheduler did not stop cleanly", logger.FieldError, err)
	}
	return runErr
}

func (o *Orchestrator) apiOptions(root string) api.Options {
	opts := api.Options{
		Root:      root,
		Extension: o.cfg.MissionExtension,
	}
	if o.store != nil {
		opts.Verdicts = o.store
	}
	if o.feed != nil {
		opts.Rejects = o.feed
		opts.Limiter = o.limiter
	}
	return opts
}
