package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"metricsconsole/internal/models"
)

var errEmptyTimestamp = errors.New("empty timestamp")

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts the backend's local "2006-01-02 15:04:05" format
// (read as UTC) and RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type alarmJSON struct {
	ID                 int64           `json:"id"`
	Timestamp          string          `json:"timestamp"`
	CPUUsage           *float64        `json:"cpuUsage"`
	MemoryUsage        *float64        `json:"memoryUsage"`
	DiskUsage          *float64        `json:"diskUsage"`
	Acknowledged       bool            `json:"acknowledged"`
	AcknowledgedBy     json.RawMessage `json:"acknowledgedBy"`
	AcknowledgedByName string          `json:"acknowledgedByName"`
}

// record converts the wire shape. acknowledgedBy is either the username or
// the acknowledging user's id, in which case the name comes from
// acknowledgedByName.
func (a alarmJSON) record() (models.AlarmRecord, error) {
	ts, err := parseTimestamp(a.Timestamp)
	if err != nil {
		return models.AlarmRecord{}, err
	}
	rec := models.AlarmRecord{
		ID:           a.ID,
		Timestamp:    ts,
		CPUUsage:     a.CPUUsage,
		MemoryUsage:  a.MemoryUsage,
		DiskUsage:    a.DiskUsage,
		Acknowledged: a.Acknowledged,
	}
	raw := bytes.TrimSpace(a.AcknowledgedBy)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return models.AlarmRecord{}, err
		}
		rec.AcknowledgedBy = name
	default:
		var id float64
		if err := json.Unmarshal(raw, &id); err != nil {
			return models.AlarmRecord{}, err
		}
		if id != 0 {
			rec.Acknowledged = true
			rec.AcknowledgedBy = a.AcknowledgedByName
		}
	}
	if rec.AcknowledgedBy != "" {
		rec.Acknowledged = true
	}
	return rec, nil
}

type sampleJSON struct {
	Timestamp   string  `json:"timestamp"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	DiskUsage   float64 `json:"diskUsage"`
}
