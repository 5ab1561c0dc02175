package worker

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/analyzer"
	"dcs-mission-validator/internal/config"
	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
	"dcs-mission-validator/internal/telemetry"
)

const recordTimeout = 5 * time.Second

// VerdictRecorder persists the outcome of a validation pass.
type VerdictRecorder interface {
	RecordVerdict(ctx context.Context, v models.Verdict) error
}

// RejectPublisher announces rejected archives to downstream consumers.
type RejectPublisher interface {
	PublishReject(ctx context.Context, v models.Verdict) error
}

// Options tunes a Validator. Recorder and Rejects are optional.
type Options struct {
	Simulate bool
	Sidecar  bool
	Recorder VerdictRecorder
	Rejects  RejectPublisher
	Logger   *zap.SugaredLogger
}

// Validator analyzes an archive and disposes of it when it is invalid.
type Validator struct {
	policy    models.ValidationPolicy
	simulate  bool
	sidecar   bool
	uploaders []archiveUploader
	recorder  VerdictRecorder
	rejects   RejectPublisher
	remove    func(string) error
	logger    *zap.SugaredLogger
}

// NewValidator builds a validator and the quarantine targets enabled in cfg.
func NewValidator(ctx context.Context, cfg config.Config, policy models.ValidationPolicy, opts Options) (*Validator, error) {
	uploaders, err := newUploaders(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.ComponentLogger("validator")
	}
	return &Validator{
		policy:    policy,
		simulate:  opts.Simulate,
		sidecar:   opts.Sidecar,
		uploaders: uploaders,
		recorder:  opts.Recorder,
		rejects:   opts.Rejects,
		remove:    os.Remove,
		logger:    log,
	}, nil
}

// Handle adapts Validate to the scheduler's Handler signature.
func (v *Validator) Handle(ctx context.Context, ref models.FileRef) error {
	_, err := v.Validate(ctx, ref)
	return err
}

// Validate inspects one archive and applies the delete-or-keep decision.
// Analysis is read-only; the archive is only touched once the decision is
// final, and not at all when ctx is cancelled before that point.
func (v *Validator) Validate(ctx context.Context, ref models.FileRef) (models.Verdict, error) {
	verdict := models.Verdict{
		ID:        uuid.New().String(),
		Path:      ref.Path,
		Size:      ref.Size,
		CheckedAt: time.Now().UTC(),
	}
	log := v.logger.With(logger.FieldPath, ref.Path, logger.FieldVerdictID, verdict.ID)

	info, err := os.Stat(ref.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnw("Skipping validation, file not found")
			verdict.Action = models.ActionSkipped
			v.finish(ctx, log, verdict)
			return verdict, nil
		}
		return verdict, errors.Wrapf(err, "stat %s", ref.Path)
	}
	if !info.Mode().IsRegular() {
		log.Warnw("Skipping validation, not a regular file", "mode", info.Mode().String())
		verdict.Action = models.ActionSkipped
		v.finish(ctx, log, verdict)
		return verdict, nil
	}
	verdict.Size = info.Size()

	log.Debugw("Analyzing archive", logger.FieldSize, verdict.Size)
	res, err := analyzer.Analyze(v.policy, ref)
	if err != nil {
		log.Errorw("Archive could not be analyzed", logger.FieldError, err)
		res.IsValid = false
		res.AnalysisError = err.Error()
	}
	verdict.Result = res
	verdict.Valid = res.IsValid

	if res.IsValid {
		log.Infow("Archive is valid", "required_modules", res.RequiredModules)
		verdict.Action = models.ActionKept
		v.finish(ctx, log, verdict)
		return verdict, nil
	}

	telemetry.InvalidCounter.Inc()
	findings := res.Findings()
	for _, f := range findings {
		log.Errorw("Validation finding", "finding", f)
	}

	if v.sidecar {
		if err := appendSidecar(ref.Path, findings); err != nil {
			telemetry.SideEffectErrors.WithLabelValues("sidecar").Inc()
			log.Warnw("Failed to write sidecar report", logger.FieldError, err)
		}
	}

	v.quarantine(ctx, log, ref.Path)

	if err := ctx.Err(); err != nil {
		verdict.Action = models.ActionAbandoned
		log.Warnw("Validation abandoned before disposal, archive left in place", logger.FieldAction, verdict.Action)
		v.finish(ctx, log, verdict)
		return verdict, errors.Wrap(err, "validation abandoned")
	}

	switch {
	case v.simulate:
		verdict.Action = models.ActionSimulated
		log.Infow("SIMULATE deleting file due to failed validation", logger.FieldAction, verdict.Action)
	default:
		if err := v.remove(ref.Path); err != nil {
			telemetry.SideEffectErrors.WithLabelValues("delete").Inc()
			msg := err.Error()
			verdict.Error = &msg
			verdict.Action = models.ActionDeleteFailed
			log.Errorw("Failed to delete invalid archive", logger.FieldAction, verdict.Action, logger.FieldError, err)
		} else {
			verdict.Action = models.ActionDeleted
			log.Infow("Deleted file due to failed validation", logger.FieldAction, verdict.Action)
		}
	}

	v.finish(ctx, log, verdict)
	return verdict, nil
}

// quarantine copies the archive to every configured target. Failures never
// block the decision.
func (v *Validator) quarantine(ctx context.Context, log *zap.SugaredLogger, path string) {
	if len(v.uploaders) == 0 {
		return
	}
	key := quarantineKey(path, time.Now())
	for _, u := range v.uploaders {
		dst, err := u.Upload(ctx, key, path)
		if err != nil {
			telemetry.SideEffectErrors.WithLabelValues("quarantine").Inc()
			log.Warnw("Failed to quarantine archive", logger.FieldError, err)
			continue
		}
		log.Infow("Archive quarantined", "destination", dst)
	}
}

// finish records metrics and hands the verdict to the optional sinks. It
// outlives cancellation of ctx so abandoned passes are still recorded.
func (v *Validator) finish(ctx context.Context, log *zap.SugaredLogger, verdict models.Verdict) {
	telemetry.ValidationCounter.WithLabelValues(verdict.Action).Inc()

	if v.recorder == nil && v.rejects == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if v.recorder != nil {
		if err := v.recorder.RecordVerdict(rctx, verdict); err != nil {
			telemetry.SideEffectErrors.WithLabelValues("record").Inc()
			log.Warnw("Failed to record verdict", logger.FieldError, err)
		}
	}
	if v.rejects != nil && !verdict.Valid && verdict.Action != models.ActionSkipped {
		if err := v.rejects.PublishReject(rctx, verdict); err != nil {
			telemetry.SideEffectErrors.WithLabelValues("reject_feed").Inc()
			log.Warnw("Failed to publish rejected archive", logger.FieldError, err)
		}
	}
}

// appendSidecar appends one line per finding to <archive>.txt.
func appendSidecar(archivePath string, findings []string) error {
	f, err := os.OpenFile(archivePath+".txt", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open sidecar")
	}
	w := bufio.NewWriter(f)
	for _, line := range findings {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return errors.Wrap(err, "write sidecar")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush sidecar")
	}
	return f.Close()
}
