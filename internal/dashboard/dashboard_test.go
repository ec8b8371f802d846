package dashboard

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsconsole/internal/alarms"
	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
)

func pf(v float64) *float64 { return &v }

var base = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type stubBackend struct {
	mu        sync.Mutex
	records   []models.AlarmRecord
	settings  models.ThresholdConfig
	alarmsErr error
	ranges    []models.DateRange
	acks      int
	download  string

	settingsCalls int
}

func (s *stubBackend) Alarms(_ context.Context, rng models.DateRange, _ bool) ([]models.AlarmRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, rng)
	return s.records, s.alarmsErr
}

func (s *stubBackend) RangeMetrics(context.Context, models.DateRange) ([]models.MetricSample, error) {
	return []models.MetricSample{{Timestamp: base, CPUUsage: 10}}, nil
}

func (s *stubBackend) LatestMetrics(context.Context) ([]models.MetricSample, error) {
	return []models.MetricSample{{Timestamp: base, CPUUsage: 20}}, nil
}

func (s *stubBackend) Acknowledge(context.Context, int64, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
	return nil
}

func (s *stubBackend) Settings(context.Context) (models.ThresholdConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsCalls++
	return s.settings, nil
}

func (s *stubBackend) UpdateSettings(context.Context, models.ThresholdPatch) error { return nil }

func (s *stubBackend) Download(_ context.Context, _ models.DateRange, w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.download)
	return int64(n), err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixedNow(d *Dashboard) { d.now = func() time.Time { return base } }

func sampleRecords() []models.AlarmRecord {
	return []models.AlarmRecord{
		{ID: 1, Timestamp: base.Add(-3 * time.Hour), CPUUsage: pf(90)},
		{ID: 2, Timestamp: base.Add(-2 * time.Hour), CPUUsage: pf(30), Acknowledged: true, AcknowledgedBy: "op"},
		{ID: 3, Timestamp: base.Add(-1 * time.Hour), CPUUsage: pf(60)},
	}
}

func TestOperatorShowsOpenAlarmsOnly(t *testing.T) {
	b := &stubBackend{records: sampleRecords()}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)

	require.NoError(t, d.Refresh(context.Background()))
	snap := d.Snapshot(alarms.SortTimestamp, alarms.Descending)
	require.Len(t, snap.Alarms, 2)
	assert.Equal(t, int64(3), snap.Alarms[0].ID)
	assert.Equal(t, int64(1), snap.Alarms[1].ID)
	assert.True(t, snap.CanAcknowledge)
	assert.Nil(t, snap.Settings)
	assert.Equal(t, 10.0, snap.Metrics[0].CPUUsage)
	require.NotNil(t, snap.LoadedAt)
}

func TestDefaultRangeTrailsNow(t *testing.T) {
	b := &stubBackend{}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)

	require.NoError(t, d.Refresh(context.Background()))
	require.Len(t, b.ranges, 1)
	assert.Equal(t, models.DateRange{Start: base.Add(-24 * time.Hour), End: base}, b.ranges[0])
}

func TestAdminAnnotatesBreaches(t *testing.T) {
	b := &stubBackend{
		records:  sampleRecords(),
		settings: models.ThresholdConfig{RetentionDays: 30, CPUThreshold: 50, MemoryThreshold: 50, DiskThreshold: 50},
	}
	d := NewAdmin(b, 24*time.Hour, quiet())
	fixedNow(d)

	require.NoError(t, d.Refresh(context.Background()))
	snap := d.Snapshot(alarms.SortCPU, alarms.Descending)
	require.Len(t, snap.Alarms, 3)
	assert.Equal(t, []bool{true, true, false}, []bool{snap.Alarms[0].Breach.CPU, snap.Alarms[1].Breach.CPU, snap.Alarms[2].Breach.CPU})
	require.NotNil(t, snap.Settings)
	assert.Equal(t, 50, snap.Settings.CPUThreshold)
	assert.False(t, snap.CanAcknowledge)
	assert.Equal(t, 20.0, snap.Metrics[0].CPUUsage)
}

func TestSetRangeRejectsInvertedRange(t *testing.T) {
	b := &stubBackend{}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)
	before := d.Range()

	err := d.SetRange(context.Background(), models.DateRange{Start: base.Add(-time.Hour), End: base.Add(-2 * time.Hour)})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	assert.Equal(t, before, d.Range())
	assert.Empty(t, b.ranges)
}

func TestFetchErrorIsShownAndDataKept(t *testing.T) {
	b := &stubBackend{records: sampleRecords()}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)
	require.NoError(t, d.Refresh(context.Background()))

	b.mu.Lock()
	b.alarmsErr = failure.Server(503, "")
	b.mu.Unlock()
	require.Error(t, d.Refresh(context.Background()))

	snap := d.Snapshot(alarms.SortTimestamp, alarms.Descending)
	assert.Equal(t, "Server error: 503", snap.Error)
	assert.Len(t, snap.Alarms, 2)
}

func TestActionsAreViewScoped(t *testing.T) {
	b := &stubBackend{records: sampleRecords()}
	admin := NewAdmin(b, 0, quiet())
	op := NewOperator(b, 0, quiet())
	actor := models.Session{ID: 1, Username: "op", Role: models.RoleOperator}
	cpu := 70

	assert.ErrorIs(t, admin.Acknowledge(context.Background(), 1, actor), ErrNotPermitted)
	assert.ErrorIs(t, op.UpdateSettings(context.Background(), models.ThresholdPatch{CPUThreshold: &cpu}), ErrNotPermitted)
	_, err := op.Settings(context.Background())
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestSettingsLoadedFromBackendBeforeFirstFetch(t *testing.T) {
	want := models.ThresholdConfig{RetentionDays: 14, CPUThreshold: 80, MemoryThreshold: 60, DiskThreshold: 70}
	b := &stubBackend{records: sampleRecords(), settings: want}
	d := NewAdmin(b, 24*time.Hour, quiet())
	fixedNow(d)
	ctx := context.Background()

	got, err := d.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, b.settingsCalls)

	_, err = d.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.settingsCalls, "loaded settings are served locally")

	d.Reset()
	_, err = d.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.settingsCalls, "reset forces a reload")

	require.NoError(t, d.Refresh(ctx))
	calls := b.settingsCalls
	_, err = d.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, b.settingsCalls, "a fetch already carries the settings")
}

func TestUpdateSettingsPatchesBackendValues(t *testing.T) {
	b := &stubBackend{settings: models.ThresholdConfig{RetentionDays: 14, CPUThreshold: 80, MemoryThreshold: 60, DiskThreshold: 70}}
	d := NewAdmin(b, 24*time.Hour, quiet())
	ctx := context.Background()
	disk := 90

	require.NoError(t, d.UpdateSettings(ctx, models.ThresholdPatch{DiskThreshold: &disk}))
	got, err := d.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ThresholdConfig{RetentionDays: 14, CPUThreshold: 80, MemoryThreshold: 60, DiskThreshold: 90}, got)
	assert.Equal(t, 1, b.settingsCalls)
}

func TestAcknowledgeHidesAlarmFromOperator(t *testing.T) {
	b := &stubBackend{records: sampleRecords()}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)
	require.NoError(t, d.Refresh(context.Background()))

	require.NoError(t, d.Acknowledge(context.Background(), 1, models.Session{ID: 5, Username: "op"}))
	snap := d.Snapshot(alarms.SortTimestamp, alarms.Descending)
	require.Len(t, snap.Alarms, 1)
	assert.Equal(t, int64(3), snap.Alarms[0].ID)
	assert.Equal(t, 1, b.acks)
}

func TestResetForgetsEverything(t *testing.T) {
	b := &stubBackend{records: sampleRecords()}
	d := NewOperator(b, 24*time.Hour, quiet())
	fixedNow(d)
	require.NoError(t, d.SetRange(context.Background(), models.DateRange{Start: base.Add(-2 * time.Hour), End: base}))

	d.Reset()
	snap := d.Snapshot(alarms.SortTimestamp, alarms.Descending)
	assert.Empty(t, snap.Alarms)
	assert.Empty(t, snap.Metrics)
	assert.Nil(t, snap.LoadedAt)
	assert.Equal(t, base.Add(-24*time.Hour), snap.Range.Start)
}

func TestExportStreamsBackendBytes(t *testing.T) {
	b := &stubBackend{download: "a,b\n1,2\n"}
	d := NewOperator(b, 24*time.Hour, quiet())
	var buf bytes.Buffer
	n, err := d.Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "a,b\n1,2\n", buf.String())
}
