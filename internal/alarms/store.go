// Package alarms holds a dashboard's alarm records and keeps them in step
// with the backend.
package alarms

import (
	"cmp"
	"slices"
	"sort"
	"strings"
	"sync"

	"metricsconsole/internal/models"
)

type SortKey string

const (
	SortTimestamp      SortKey = "timestamp"
	SortCPU            SortKey = "cpuUsage"
	SortMemory         SortKey = "memoryUsage"
	SortDisk           SortKey = "diskUsage"
	SortAcknowledged   SortKey = "acknowledged"
	SortAcknowledgedBy SortKey = "acknowledgedBy"
)

var sortKeys = []SortKey{SortTimestamp, SortCPU, SortMemory, SortDisk, SortAcknowledged, SortAcknowledgedBy}

// ParseSortKey accepts the wire names above; an empty string is timestamp.
func ParseSortKey(s string) (SortKey, bool) {
	if s == "" {
		return SortTimestamp, true
	}
	k := SortKey(s)
	return k, slices.Contains(sortKeys, k)
}

type Direction string

const (
	Ascending  Direction = "ascending"
	Descending Direction = "descending"
)

// ParseDirection accepts ascending/asc and descending/desc. Empty is descending.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(s) {
	case "", "desc", "descending":
		return Descending, true
	case "asc", "ascending":
		return Ascending, true
	}
	return "", false
}

// Patch is a local field update; nil fields are left alone.
type Patch struct {
	Acknowledged   *bool
	AcknowledgedBy *string
}

// Store is the set of alarm records loaded by one dashboard. The last full
// fetch replaces the whole set; local patches only touch the named record.
type Store struct {
	mu      sync.RWMutex
	records []models.AlarmRecord
	index   map[int64]int
}

func NewStore() *Store {
	return &Store{index: map[int64]int{}}
}

func (s *Store) ReplaceAll(records []models.AlarmRecord) {
	next := slices.Clone(records)
	index := make(map[int64]int, len(next))
	for i, r := range next {
		index[r.ID] = i
	}
	s.mu.Lock()
	s.records = next
	s.index = index
	s.mu.Unlock()
}

// ApplyLocalUpdate patches the record with the given id. It reports false
// when no such record is loaded.
func (s *Store) ApplyLocalUpdate(id int64, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	if p.Acknowledged != nil {
		s.records[i].Acknowledged = *p.Acknowledged
	}
	if p.AcknowledgedBy != nil {
		s.records[i].AcknowledgedBy = *p.AcknowledgedBy
	}
	return true
}

// markAcknowledged sets the acknowledgement only if the record exists and
// is not acknowledged yet.
func (s *Store) markAcknowledged(id int64, by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok || s.records[i].Acknowledged {
		return false
	}
	s.records[i].Acknowledged = true
	s.records[i].AcknowledgedBy = by
	return true
}

func (s *Store) Get(id int64) (models.AlarmRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return models.AlarmRecord{}, false
	}
	return s.records[i], true
}

// Snapshot returns the records in load order.
func (s *Store) Snapshot() []models.AlarmRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// SortedBy returns a sorted copy. Equal keys keep their load order in both
// directions; absent usage values sort below any reported value.
func (s *Store) SortedBy(key SortKey, dir Direction) []models.AlarmRecord {
	out := s.Snapshot()
	SortRecords(out, key, dir)
	return out
}

// UnacknowledgedOnly returns a copy holding the unacknowledged records in
// load order.
func (s *Store) UnacknowledgedOnly() []models.AlarmRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AlarmRecord, 0, len(s.records))
	for _, r := range s.records {
		if !r.Acknowledged {
			out = append(out, r)
		}
	}
	return out
}

// SortRecords stable-sorts rs in place with the same ordering as SortedBy.
func SortRecords(rs []models.AlarmRecord, key SortKey, dir Direction) {
	sort.SliceStable(rs, func(i, j int) bool {
		c := compareBy(rs[i], rs[j], key)
		if dir == Ascending {
			return c < 0
		}
		return c > 0
	})
}

func compareBy(a, b models.AlarmRecord, key SortKey) int {
	switch key {
	case SortCPU:
		return compareUsage(a.CPUUsage, b.CPUUsage)
	case SortMemory:
		return compareUsage(a.MemoryUsage, b.MemoryUsage)
	case SortDisk:
		return compareUsage(a.DiskUsage, b.DiskUsage)
	case SortAcknowledged:
		return compareBool(a.Acknowledged, b.Acknowledged)
	case SortAcknowledgedBy:
		return strings.Compare(a.AcknowledgedBy, b.AcknowledgedBy)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}

func compareUsage(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Compare(*a, *b)
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
