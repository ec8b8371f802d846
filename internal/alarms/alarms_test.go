package alarms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
)

func pf(v float64) *float64 { return &v }
func pi(v int) *int         { return &v }

var (
	t1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
)

type fakeBackend struct {
	mu sync.Mutex

	alarms     []models.AlarmRecord
	alarmsErr  error
	metrics    []models.MetricSample
	metricsErr error
	settings   models.ThresholdConfig
	// alarmsHook runs inside Alarms before it returns.
	alarmsHook func(ctx context.Context)

	latestCalls  int
	rangeCalls   int
	includeAck   []bool
	acks         [][2]int64
	ackErr       error
	patches      []models.ThresholdPatch
	updateErr    error
	settingsCall int
}

func (f *fakeBackend) Alarms(ctx context.Context, _ models.DateRange, includeAck bool) ([]models.AlarmRecord, error) {
	f.mu.Lock()
	f.includeAck = append(f.includeAck, includeAck)
	hook, recs, err := f.alarmsHook, f.alarms, f.alarmsErr
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return recs, err
}

func (f *fakeBackend) RangeMetrics(context.Context, models.DateRange) ([]models.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	return f.metrics, f.metricsErr
}

func (f *fakeBackend) LatestMetrics(context.Context) ([]models.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.metrics, f.metricsErr
}

func (f *fakeBackend) Acknowledge(_ context.Context, alarmID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, [2]int64{alarmID, userID})
	return f.ackErr
}

func (f *fakeBackend) Settings(context.Context) (models.ThresholdConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settingsCall++
	return f.settings, nil
}

func (f *fakeBackend) UpdateSettings(_ context.Context, p models.ThresholdPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
	return f.updateErr
}

func newTestSyncer(b Backend, opts Options) *Syncer {
	s := NewSyncer(b, NewStore(), opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return t2.Add(time.Hour) }
	return s
}

func dayRange() models.DateRange { return models.DateRange{Start: t1.Add(-24 * time.Hour), End: t2} }

func TestSortedByKeepsTiesInLoadOrder(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.AlarmRecord{
		{ID: 1, Timestamp: t1},
		{ID: 2, Timestamp: t2},
		{ID: 3, Timestamp: t1},
	})

	desc := s.SortedBy(SortTimestamp, Descending)
	assert.Equal(t, []int64{2, 1, 3}, ids(desc))
	asc := s.SortedBy(SortTimestamp, Ascending)
	assert.Equal(t, []int64{1, 3, 2}, ids(asc))
	assert.Equal(t, []int64{1, 2, 3}, ids(s.Snapshot()), "sorting must not reorder the store")
}

func TestSortedByUsagePutsAbsentLowest(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.AlarmRecord{
		{ID: 1, CPUUsage: pf(80)},
		{ID: 2},
		{ID: 3, CPUUsage: pf(20)},
	})
	assert.Equal(t, []int64{2, 3, 1}, ids(s.SortedBy(SortCPU, Ascending)))
	assert.Equal(t, []int64{1, 3, 2}, ids(s.SortedBy(SortCPU, Descending)))
}

func TestSortedByAcknowledgement(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.AlarmRecord{
		{ID: 1, Acknowledged: true, AcknowledgedBy: "zed"},
		{ID: 2},
		{ID: 3, Acknowledged: true, AcknowledgedBy: "amy"},
	})
	assert.Equal(t, []int64{2, 1, 3}, ids(s.SortedBy(SortAcknowledged, Ascending)))
	assert.Equal(t, []int64{2, 3, 1}, ids(s.SortedBy(SortAcknowledgedBy, Ascending)))
}

func TestUnacknowledgedOnlyIsACopy(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.AlarmRecord{{ID: 1}, {ID: 2, Acknowledged: true}, {ID: 3}})

	got := s.UnacknowledgedOnly()
	require.Equal(t, []int64{1, 3}, ids(got))
	got[0].Acknowledged = true
	r, _ := s.Get(1)
	assert.False(t, r.Acknowledged)
}

func TestApplyLocalUpdateUnknownID(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.AlarmRecord{{ID: 1}})
	ack := true
	assert.False(t, s.ApplyLocalUpdate(9, Patch{Acknowledged: &ack}))
	assert.True(t, s.ApplyLocalUpdate(1, Patch{Acknowledged: &ack}))
	r, _ := s.Get(1)
	assert.True(t, r.Acknowledged)
}

func TestParseSortKeyAndDirection(t *testing.T) {
	k, ok := ParseSortKey("diskUsage")
	assert.True(t, ok)
	assert.Equal(t, SortDisk, k)
	_, ok = ParseSortKey("severity")
	assert.False(t, ok)

	d, ok := ParseDirection("asc")
	assert.True(t, ok)
	assert.Equal(t, Ascending, d)
	d, _ = ParseDirection("")
	assert.Equal(t, Descending, d)
}

func TestFetchRangeReplacesStore(t *testing.T) {
	b := &fakeBackend{
		alarms:   []models.AlarmRecord{{ID: 5, Timestamp: t1}},
		metrics:  []models.MetricSample{{Timestamp: t1, CPUUsage: 12}},
		settings: models.ThresholdConfig{RetentionDays: 7, CPUThreshold: 90, MemoryThreshold: 80, DiskThreshold: 70},
	}
	s := newTestSyncer(b, Options{View: "admin", IncludeAcknowledged: true, LatestMetrics: true, WithSettings: true})
	s.store.ReplaceAll([]models.AlarmRecord{{ID: 1}, {ID: 2}})

	require.NoError(t, s.FetchRange(context.Background(), dayRange()))
	assert.Equal(t, []int64{5}, ids(s.store.Snapshot()))
	assert.Len(t, s.Metrics(), 1)
	assert.Equal(t, 90, s.Settings().CPUThreshold)
	assert.Equal(t, []bool{true}, b.includeAck)
	assert.Equal(t, 1, b.latestCalls)
	assert.Zero(t, b.rangeCalls)
}

func TestFetchRangeFailureLeavesStoreIdentical(t *testing.T) {
	b := &fakeBackend{
		alarms:     []models.AlarmRecord{{ID: 9}},
		metricsErr: failure.Server(500, ""),
	}
	s := newTestSyncer(b, Options{View: "operator"})
	before := []models.AlarmRecord{{ID: 1, Timestamp: t1, CPUUsage: pf(55)}, {ID: 2, Acknowledged: true, AcknowledgedBy: "op"}}
	s.store.ReplaceAll(before)

	err := s.FetchRange(context.Background(), dayRange())
	assert.Equal(t, failure.KindServer, failure.KindOf(err))
	assert.Equal(t, before, s.store.Snapshot())
	assert.Equal(t, 1, b.rangeCalls)
}

func TestFetchRangeRejectsBadRange(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSyncer(b, Options{View: "operator"})

	err := s.FetchRange(context.Background(), models.DateRange{Start: t2, End: t1})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindValidation, fe.Kind)
	assert.Contains(t, fe.Fields, "end")

	err = s.FetchRange(context.Background(), models.DateRange{Start: t1, End: t2.Add(48 * time.Hour)})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	assert.Empty(t, b.includeAck, "no request for an invalid range")
}

func TestFetchRangeDropsSupersededResponse(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	b := &fakeBackend{alarms: []models.AlarmRecord{{ID: 1}}}
	b.alarmsHook = func(context.Context) {
		close(entered)
		<-release
	}
	s := newTestSyncer(b, Options{View: "operator"})

	errc := make(chan error, 1)
	go func() { errc <- s.FetchRange(context.Background(), dayRange()) }()
	<-entered

	b.mu.Lock()
	b.alarmsHook = nil
	b.alarms = []models.AlarmRecord{{ID: 2}}
	b.mu.Unlock()
	require.NoError(t, s.FetchRange(context.Background(), dayRange()))

	close(release)
	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, []int64{2}, ids(s.store.Snapshot()))
}

func TestAcknowledgeSendsOnce(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSyncer(b, Options{View: "operator"})
	s.store.ReplaceAll([]models.AlarmRecord{{ID: 4}})
	actor := models.Session{ID: 11, Username: "op", Role: models.RoleOperator}

	require.NoError(t, s.Acknowledge(context.Background(), 4, actor))
	r, _ := s.store.Get(4)
	assert.True(t, r.Acknowledged)
	assert.Equal(t, "op", r.AcknowledgedBy)
	assert.Equal(t, [][2]int64{{4, 11}}, b.acks)

	before := s.store.Snapshot()
	require.NoError(t, s.Acknowledge(context.Background(), 4, actor))
	require.NoError(t, s.Acknowledge(context.Background(), 99, actor))
	assert.Len(t, b.acks, 1, "acknowledged or unknown alarms send nothing")
	assert.Equal(t, before, s.store.Snapshot())
}

func TestAcknowledgeFailureIsNotRolledBack(t *testing.T) {
	b := &fakeBackend{ackErr: failure.Network(errors.New("connection reset"))}
	s := newTestSyncer(b, Options{View: "operator"})
	s.store.ReplaceAll([]models.AlarmRecord{{ID: 4}})

	err := s.Acknowledge(context.Background(), 4, models.Session{ID: 1, Username: "op"})
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	r, _ := s.store.Get(4)
	assert.True(t, r.Acknowledged)
}

func TestUpdateSettingsAppliesOnlyPresentKeys(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSyncer(b, Options{View: "admin", WithSettings: true})

	require.NoError(t, s.UpdateSettings(context.Background(), models.ThresholdPatch{CPUThreshold: pi(70)}))
	assert.Equal(t, models.ThresholdConfig{RetentionDays: 30, CPUThreshold: 70, MemoryThreshold: 50, DiskThreshold: 50}, s.Settings())
	require.Len(t, b.patches, 1)
	assert.Nil(t, b.patches[0].RetentionDays)
}

func TestUpdateSettingsRejectsOutOfRange(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSyncer(b, Options{View: "admin"})

	err := s.UpdateSettings(context.Background(), models.ThresholdPatch{RetentionDays: pi(400), DiskThreshold: pi(0)})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, "Retention must be between 1 and 365 days", fe.Fields["retention_days"])
	assert.Contains(t, fe.Fields, "disk_threshold")
	assert.Empty(t, b.patches)
}

func TestUpdateSettingsFailureKeepsLocalConfig(t *testing.T) {
	b := &fakeBackend{updateErr: failure.Server(500, "db down")}
	s := newTestSyncer(b, Options{View: "admin"})

	err := s.UpdateSettings(context.Background(), models.ThresholdPatch{MemoryThreshold: pi(90)})
	assert.Equal(t, failure.KindServer, failure.KindOf(err))
	assert.Equal(t, models.DefaultThresholds(), s.Settings())
}

func TestEmptyPatchSendsNothing(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSyncer(b, Options{View: "admin"})
	require.NoError(t, s.UpdateSettings(context.Background(), models.ThresholdPatch{}))
	assert.Empty(t, b.patches)
}

func TestResetClearsData(t *testing.T) {
	b := &fakeBackend{alarms: []models.AlarmRecord{{ID: 1}}, metrics: []models.MetricSample{{CPUUsage: 1}}}
	s := newTestSyncer(b, Options{View: "operator"})
	require.NoError(t, s.FetchRange(context.Background(), dayRange()))

	s.Reset()
	assert.Zero(t, s.store.Len())
	assert.Empty(t, s.Metrics())
	assert.Equal(t, models.DefaultThresholds(), s.Settings())
}

func TestBreaches(t *testing.T) {
	cfg := models.ThresholdConfig{CPUThreshold: 50, MemoryThreshold: 80, DiskThreshold: 90}
	got := Breaches(models.AlarmRecord{CPUUsage: pf(75), MemoryUsage: pf(80), DiskUsage: nil}, cfg)
	assert.Equal(t, Breach{CPU: true}, got)
	assert.True(t, got.Any())

	rows := Annotate([]models.AlarmRecord{{ID: 1, DiskUsage: pf(95)}}, cfg)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Breach.Disk)
}

func TestExceeds(t *testing.T) {
	cases := []struct {
		v    *float64
		th   int
		want bool
	}{
		{pf(91), 90, true},
		{pf(90), 90, false},
		{pf(89.5), 90, false},
		{nil, 90, false},
		{pf(math.NaN()), 90, false},
		{pf(10), 0, false},
	}
	for _, tc := range cases {
		if got := exceeds(tc.v, tc.th); got != tc.want {
			t.Fatalf("exceeds(%v, %d) got %v want %v", tc.v, tc.th, got, tc.want)
		}
	}
}

func ids(rs []models.AlarmRecord) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
