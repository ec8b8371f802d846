package alarms

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
	"metricsconsole/internal/telemetry"
)

// ErrSuperseded is returned by FetchRange when a newer fetch was issued
// before this one completed. Nothing was applied.
var ErrSuperseded = errors.New("alarms: fetch superseded by a newer request")

// Backend is the slice of the backend API a dashboard needs. Errors are
// expected to be *failure.Error values.
type Backend interface {
	Alarms(ctx context.Context, rng models.DateRange, includeAcknowledged bool) ([]models.AlarmRecord, error)
	RangeMetrics(ctx context.Context, rng models.DateRange) ([]models.MetricSample, error)
	LatestMetrics(ctx context.Context) ([]models.MetricSample, error)
	Acknowledge(ctx context.Context, alarmID, userID int64) error
	Settings(ctx context.Context) (models.ThresholdConfig, error)
	UpdateSettings(ctx context.Context, patch models.ThresholdPatch) error
}

// Options select what a dashboard fetches.
type Options struct {
	View                string
	IncludeAcknowledged bool
	LatestMetrics       bool
	WithSettings        bool
}

type rangeInput struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtefield=Start"`
}

var fieldMessages = map[string]string{
	"start":            "Start date is required",
	"end":              "End date must not be before start date",
	"retention_days":   "Retention must be between 1 and 365 days",
	"cpu_threshold":    "CPU threshold must be between 1 and 100",
	"memory_threshold": "Memory threshold must be between 1 and 100",
	"disk_threshold":   "Disk threshold must be between 1 and 100",
}

// Syncer moves alarm data between the backend and one dashboard's Store.
// Its locks cover in-memory state only.
type Syncer struct {
	backend  Backend
	store    *Store
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	validate *validator.Validate

	issued atomic.Uint64

	mu       sync.RWMutex
	metrics  []models.MetricSample
	settings models.ThresholdConfig
}

func NewSyncer(backend Backend, store *Store, opts Options, logger *slog.Logger) *Syncer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Syncer{
		backend:  backend,
		store:    store,
		opts:     opts,
		log:      logger,
		now:      time.Now,
		validate: v,
		settings: models.DefaultThresholds(),
	}
}

func (s *Syncer) Store() *Store { return s.store }

// FetchRange loads alarms and metrics for rng, plus settings when the
// dashboard wants them, and replaces the local data only if every request
// succeeded and no newer fetch was issued meanwhile.
func (s *Syncer) FetchRange(ctx context.Context, rng models.DateRange) error {
	if err := s.ValidateRange(rng); err != nil {
		return err
	}
	id := s.issued.Add(1)
	start := time.Now()

	var (
		records  []models.AlarmRecord
		metrics  []models.MetricSample
		settings models.ThresholdConfig
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.backend.Alarms(gctx, rng, s.opts.IncludeAcknowledged)
		return err
	})
	g.Go(func() error {
		var err error
		if s.opts.LatestMetrics {
			metrics, err = s.backend.LatestMetrics(gctx)
		} else {
			metrics, err = s.backend.RangeMetrics(gctx, rng)
		}
		return err
	})
	if s.opts.WithSettings {
		g.Go(func() error {
			var err error
			settings, err = s.backend.Settings(gctx)
			return err
		})
	}
	err := g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued.Load() != id {
		telemetry.FetchResults.WithLabelValues(s.opts.View, "superseded").Inc()
		s.log.Debug("fetch superseded", "seq", id)
		return ErrSuperseded
	}
	if err != nil {
		telemetry.FetchResults.WithLabelValues(s.opts.View, "failed").Inc()
		s.log.Warn("fetch failed", "start", rng.Start, "end", rng.End, "err", err)
		return asFailure(err)
	}
	s.store.ReplaceAll(records)
	s.metrics = metrics
	if s.opts.WithSettings {
		s.settings = settings
	}
	telemetry.FetchResults.WithLabelValues(s.opts.View, "applied").Inc()
	telemetry.LoadedAlarms.WithLabelValues(s.opts.View).Set(float64(len(records)))
	s.log.Debug("fetch applied", "seq", id, "alarms", len(records), "metrics", len(metrics), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Acknowledge marks the alarm acknowledged by actor and then tells the
// backend. It does nothing when the alarm is unknown or already
// acknowledged. A backend failure is returned but the local mark stays
// until the next full fetch.
func (s *Syncer) Acknowledge(ctx context.Context, alarmID int64, actor models.Session) error {
	if !s.store.markAcknowledged(alarmID, actor.Username) {
		telemetry.Acknowledgements.WithLabelValues("noop").Inc()
		return nil
	}
	if err := s.backend.Acknowledge(ctx, alarmID, actor.ID); err != nil {
		telemetry.Acknowledgements.WithLabelValues("failed").Inc()
		s.log.Warn("acknowledge failed", "alarm_id", alarmID, "user", actor.Username, "err", err)
		return asFailure(err)
	}
	telemetry.Acknowledgements.WithLabelValues("sent").Inc()
	s.log.Info("alarm acknowledged", "alarm_id", alarmID, "user", actor.Username)
	return nil
}

// UpdateSettings sends only the keys present in patch and, once the backend
// accepts them, applies exactly those keys locally.
func (s *Syncer) UpdateSettings(ctx context.Context, patch models.ThresholdPatch) error {
	if patch.Empty() {
		return nil
	}
	if err := s.validate.Struct(patch); err != nil {
		return validationFailure(err)
	}
	if err := s.backend.UpdateSettings(ctx, patch); err != nil {
		s.log.Warn("update settings failed", "err", err)
		return asFailure(err)
	}
	s.mu.Lock()
	s.settings = patch.Apply(s.settings)
	s.mu.Unlock()
	s.log.Info("settings updated")
	return nil
}

// LoadSettings replaces the local threshold config with the backend's.
func (s *Syncer) LoadSettings(ctx context.Context) error {
	cfg, err := s.backend.Settings(ctx)
	if err != nil {
		return asFailure(err)
	}
	s.mu.Lock()
	s.settings = cfg
	s.mu.Unlock()
	return nil
}

func (s *Syncer) Settings() models.ThresholdConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Syncer) Metrics() []models.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MetricSample(nil), s.metrics...)
}

// Reset drops all loaded data and invalidates fetches still in flight.
func (s *Syncer) Reset() {
	s.mu.Lock()
	s.issued.Add(1)
	s.store.ReplaceAll(nil)
	s.metrics = nil
	s.settings = models.DefaultThresholds()
	s.mu.Unlock()
	telemetry.LoadedAlarms.WithLabelValues(s.opts.View).Set(0)
}

// ValidateRange checks start <= end and that end is not in the future.
func (s *Syncer) ValidateRange(rng models.DateRange) error {
	if err := s.validate.Struct(rangeInput{Start: rng.Start, End: rng.End}); err != nil {
		return validationFailure(err)
	}
	if rng.End.After(s.now()) {
		return failure.Validation(map[string]string{"end": "End date cannot be in the future"})
	}
	return nil
}

func validationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Validation(map[string]string{"form": err.Error()})
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Field()]
		if !ok {
			msg = fe.Field() + " is invalid"
		}
		fields[fe.Field()] = msg
	}
	return failure.Validation(fields)
}

func asFailure(err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	return failure.Network(err)
}
