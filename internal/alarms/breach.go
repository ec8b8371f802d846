package alarms

import (
	"math"

	"metricsconsole/internal/models"
)

// Breach flags the usage values of an alarm that exceed the configured
// thresholds.
type Breach struct {
	CPU    bool `json:"cpu"`
	Memory bool `json:"memory"`
	Disk   bool `json:"disk"`
}

func (b Breach) Any() bool { return b.CPU || b.Memory || b.Disk }

// Annotated is an alarm row as a dashboard shows it.
type Annotated struct {
	models.AlarmRecord
	Breach Breach `json:"breach"`
}

func Annotate(records []models.AlarmRecord, cfg models.ThresholdConfig) []Annotated {
	out := make([]Annotated, len(records))
	for i, r := range records {
		out[i] = Annotated{AlarmRecord: r, Breach: Breaches(r, cfg)}
	}
	return out
}

func Breaches(r models.AlarmRecord, cfg models.ThresholdConfig) Breach {
	return Breach{
		CPU:    exceeds(r.CPUUsage, cfg.CPUThreshold),
		Memory: exceeds(r.MemoryUsage, cfg.MemoryThreshold),
		Disk:   exceeds(r.DiskUsage, cfg.DiskThreshold),
	}
}

// exceeds reports a usage strictly above a positive threshold.
func exceeds(v *float64, threshold int) bool {
	if v == nil || math.IsNaN(*v) || threshold <= 0 {
		return false
	}
	return *v > float64(threshold)
}
