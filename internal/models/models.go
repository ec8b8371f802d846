package models

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Session is the authenticated identity of the console user.
type Session struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// AlarmRecord is a metrics sample the backend flagged as an alarm. Usage
// values are nil when the backend did not report them.
type AlarmRecord struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	CPUUsage       *float64  `json:"cpuUsage,omitempty"`
	MemoryUsage    *float64  `json:"memoryUsage,omitempty"`
	DiskUsage      *float64  `json:"diskUsage,omitempty"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
}

type MetricSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpuUsage"`
	MemoryUsage float64   `json:"memoryUsage"`
	DiskUsage   float64   `json:"diskUsage"`
}

type ThresholdConfig struct {
	RetentionDays   int `json:"retentionDays"`
	CPUThreshold    int `json:"cpuThreshold"`
	MemoryThreshold int `json:"memoryThreshold"`
	DiskThreshold   int `json:"diskThreshold"`
}

// DefaultThresholds mirrors the backend defaults used until settings load.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{RetentionDays: 30, CPUThreshold: 50, MemoryThreshold: 50, DiskThreshold: 50}
}

// ThresholdPatch is a partial ThresholdConfig; nil fields are left alone.
type ThresholdPatch struct {
	RetentionDays   *int `json:"retention_days,omitempty" validate:"omitempty,min=1,max=365"`
	CPUThreshold    *int `json:"cpu_threshold,omitempty" validate:"omitempty,min=1,max=100"`
	MemoryThreshold *int `json:"memory_threshold,omitempty" validate:"omitempty,min=1,max=100"`
	DiskThreshold   *int `json:"disk_threshold,omitempty" validate:"omitempty,min=1,max=100"`
}

func (p ThresholdPatch) Empty() bool {
	return p.RetentionDays == nil && p.CPUThreshold == nil && p.MemoryThreshold == nil && p.DiskThreshold == nil
}

// Apply copies the present fields of p onto c.
func (p ThresholdPatch) Apply(c ThresholdConfig) ThresholdConfig {
	if p.RetentionDays != nil {
		c.RetentionDays = *p.RetentionDays
	}
	if p.CPUThreshold != nil {
		c.CPUThreshold = *p.CPUThreshold
	}
	if p.MemoryThreshold != nil {
		c.MemoryThreshold = *p.MemoryThreshold
	}
	if p.DiskThreshold != nil {
		c.DiskThreshold = *p.DiskThreshold
	}
	return c
}

type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Trailing returns the range that ends at now and spans d.
func Trailing(now time.Time, d time.Duration) DateRange {
	return DateRange{Start: now.Add(-d), End: now}
}
