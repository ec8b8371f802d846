// Package dashboard composes the admin and operator views out of an alarm
// syncer, a date range and the last load error.
package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"metricsconsole/internal/access"
	"metricsconsole/internal/alarms"
	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
)

// Backend is what a dashboard needs from the backend client.
type Backend interface {
	alarms.Backend
	Download(ctx context.Context, rng models.DateRange, w io.Writer) (int64, error)
}

// ErrNotPermitted is returned for an action the view does not offer.
var ErrNotPermitted = errors.New("dashboard: action not available in this view")

type Dashboard struct {
	view         access.View
	backend      Backend
	syncer       *alarms.Syncer
	defaultRange time.Duration
	log          *slog.Logger
	now          func() time.Time

	// admin shows every alarm with its acknowledgement and owns settings;
	// operator shows open alarms and acknowledges them.
	admin bool

	mu             sync.RWMutex
	rng            models.DateRange
	lastErr        error
	loadedAt       time.Time
	settingsLoaded bool
}

func NewAdmin(b Backend, defaultRange time.Duration, logger *slog.Logger) *Dashboard {
	opts := alarms.Options{View: string(access.ViewAdmin), IncludeAcknowledged: true, LatestMetrics: true, WithSettings: true}
	return newDashboard(access.ViewAdmin, b, opts, defaultRange, logger, true)
}

func NewOperator(b Backend, defaultRange time.Duration, logger *slog.Logger) *Dashboard {
	opts := alarms.Options{View: string(access.ViewOperator)}
	return newDashboard(access.ViewOperator, b, opts, defaultRange, logger, false)
}

func newDashboard(view access.View, b Backend, opts alarms.Options, defaultRange time.Duration, logger *slog.Logger, admin bool) *Dashboard {
	if defaultRange <= 0 {
		defaultRange = 24 * time.Hour
	}
	return &Dashboard{
		view:         view,
		backend:      b,
		syncer:       alarms.NewSyncer(b, alarms.NewStore(), opts, logger),
		defaultRange: defaultRange,
		log:          logger,
		now:          time.Now,
		admin:        admin,
	}
}

func (d *Dashboard) View() access.View { return d.view }

// Range is the view's date range; until one is chosen it trails now by the
// default span.
func (d *Dashboard) Range() models.DateRange {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rng.End.IsZero() {
		return models.Trailing(d.now(), d.defaultRange)
	}
	return d.rng
}

// Refresh reloads the current range. A view still on its default range
// moves its end up to now.
func (d *Dashboard) Refresh(ctx context.Context) error {
	return d.fetch(ctx, d.Range())
}

// SetRange switches the view to rng and reloads. An invalid range leaves
// the previous one in place.
func (d *Dashboard) SetRange(ctx context.Context, rng models.DateRange) error {
	if err := d.syncer.ValidateRange(rng); err != nil {
		return err
	}
	d.mu.Lock()
	d.rng = rng
	d.mu.Unlock()
	return d.fetch(ctx, rng)
}

func (d *Dashboard) fetch(ctx context.Context, rng models.DateRange) error {
	err := d.syncer.FetchRange(ctx, rng)
	if errors.Is(err, alarms.ErrSuperseded) {
		return err
	}
	d.mu.Lock()
	d.lastErr = err
	if err == nil {
		d.loadedAt = d.now()
		d.settingsLoaded = d.admin
	}
	d.mu.Unlock()
	return err
}

func (d *Dashboard) Acknowledge(ctx context.Context, alarmID int64, actor models.Session) error {
	if d.admin {
		return ErrNotPermitted
	}
	err := d.syncer.Acknowledge(ctx, alarmID, actor)
	d.setErr(err)
	return err
}

func (d *Dashboard) UpdateSettings(ctx context.Context, patch models.ThresholdPatch) error {
	if !d.admin {
		return ErrNotPermitted
	}
	if _, err := d.Settings(ctx); err != nil {
		return err
	}
	err := d.syncer.UpdateSettings(ctx, patch)
	if failure.KindOf(err) != failure.KindValidation {
		d.setErr(err)
	}
	return err
}

// Settings returns the thresholds, reading them from the backend when no
// fetch has loaded them yet.
func (d *Dashboard) Settings(ctx context.Context) (models.ThresholdConfig, error) {
	if !d.admin {
		return models.ThresholdConfig{}, ErrNotPermitted
	}
	d.mu.RLock()
	loaded := d.settingsLoaded
	d.mu.RUnlock()
	if !loaded {
		if err := d.syncer.LoadSettings(ctx); err != nil {
			d.setErr(err)
			return models.ThresholdConfig{}, err
		}
		d.mu.Lock()
		d.settingsLoaded = true
		d.mu.Unlock()
	}
	return d.syncer.Settings(), nil
}

// Export streams the backend's metrics file for the view's range.
func (d *Dashboard) Export(ctx context.Context, w io.Writer) (int64, error) {
	n, err := d.backend.Download(ctx, d.Range(), w)
	if err != nil {
		d.log.Warn("export failed", "err", err)
	}
	return n, err
}

// Reset forgets everything loaded for the previous session.
func (d *Dashboard) Reset() {
	d.syncer.Reset()
	d.mu.Lock()
	d.rng = models.DateRange{}
	d.lastErr = nil
	d.loadedAt = time.Time{}
	d.settingsLoaded = false
	d.mu.Unlock()
}

func (d *Dashboard) setErr(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// Snapshot is a view model ready to render.
type Snapshot struct {
	View           access.View             `json:"view"`
	Range          models.DateRange        `json:"range"`
	Sort           alarms.SortKey          `json:"sort"`
	Direction      alarms.Direction        `json:"direction"`
	Alarms         []alarms.Annotated      `json:"alarms"`
	Metrics        []models.MetricSample   `json:"metrics"`
	Settings       *models.ThresholdConfig `json:"settings,omitempty"`
	CanAcknowledge bool                    `json:"can_acknowledge"`
	Error          string                  `json:"error,omitempty"`
	LoadedAt       *time.Time              `json:"loaded_at,omitempty"`
}

func (d *Dashboard) Snapshot(key alarms.SortKey, dir alarms.Direction) Snapshot {
	store := d.syncer.Store()
	var rows []models.AlarmRecord
	if d.admin {
		rows = store.SortedBy(key, dir)
	} else {
		rows = store.UnacknowledgedOnly()
		alarms.SortRecords(rows, key, dir)
	}
	var thresholds models.ThresholdConfig
	snap := Snapshot{
		View:           d.view,
		Range:          d.Range(),
		Sort:           key,
		Direction:      dir,
		Metrics:        d.syncer.Metrics(),
		CanAcknowledge: !d.admin,
	}
	if d.admin {
		thresholds = d.syncer.Settings()
		snap.Settings = &thresholds
	}
	snap.Alarms = alarms.Annotate(rows, thresholds)
	if snap.Metrics == nil {
		snap.Metrics = []models.MetricSample{}
	}

	d.mu.RLock()
	if d.lastErr != nil {
		snap.Error = message(d.lastErr)
	}
	if !d.loadedAt.IsZero() {
		t := d.loadedAt
		snap.LoadedAt = &t
	}
	d.mu.RUnlock()
	return snap
}

func message(err error) string {
	if fe, ok := failure.As(err); ok {
		return fe.Message
	}
	return "Failed to load data"
}
