// Package backend is the HTTP client for the metrics backend REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
	"metricsconsole/internal/telemetry"
)

const DefaultBaseURL = "http://localhost:8081/api"

// queryTimeFormat is how range bounds are sent: UTC with milliseconds.
const queryTimeFormat = "2006-01-02T15:04:05.000Z"

type Client struct {
	BaseURL string
	HTTP    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

type loginResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Error    string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Login posts the credentials. 401/403 and 2xx replies carrying an error
// payload are rejected credentials; other non-2xx replies are server errors.
func (c *Client) Login(ctx context.Context, username, password string) (models.Session, error) {
	body := map[string]string{"username": username, "password": password}
	res, err := c.do(ctx, "login", http.MethodPost, "/login", nil, body)
	if err != nil {
		return models.Session{}, err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		return models.Session{}, failure.InvalidCredentials(e.Error, 0)
	}
	if res.StatusCode >= 300 {
		return models.Session{}, serverError(res.StatusCode, raw)
	}
	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return models.Session{}, failure.Server(res.StatusCode, "Malformed login response")
	}
	if lr.Error != "" {
		return models.Session{}, failure.InvalidCredentials(lr.Error, 0)
	}
	if lr.Username == "" {
		lr.Username = username
	}
	role := models.RoleOperator
	if strings.EqualFold(lr.Role, string(models.RoleAdmin)) {
		role = models.RoleAdmin
	}
	return models.Session{ID: lr.ID, Username: lr.Username, Role: role, Email: lr.Email, Phone: lr.Phone}, nil
}

func (c *Client) Alarms(ctx context.Context, rng models.DateRange, includeAcknowledged bool) ([]models.AlarmRecord, error) {
	q := rangeQuery(rng)
	if includeAcknowledged {
		q.Set("includeAcknowledged", "true")
	}
	var wire []alarmJSON
	if err := c.getJSON(ctx, "alarms", "/alarms", q, &wire); err != nil {
		return nil, err
	}
	out := make([]models.AlarmRecord, 0, len(wire))
	for _, a := range wire {
		rec, err := a.record()
		if err != nil {
			return nil, failure.Server(http.StatusOK, "Malformed alarm payload")
		}
		out = append(out, rec)
	}
	return out, nil
}

type ackRequest struct {
	AlarmID int64 `json:"alarmId"`
	UserID  int64 `json:"userId"`
}

func (c *Client) Acknowledge(ctx context.Context, alarmID, userID int64) error {
	return c.postJSON(ctx, "acknowledge", "/alarms/acknowledge", ackRequest{AlarmID: alarmID, UserID: userID})
}

type settingsResponse struct {
	RetentionDays float64 `json:"retention_days"`
	CPU           float64 `json:"cpu"`
	Memory        float64 `json:"memory"`
	Disk          float64 `json:"disk"`
}

// Settings fills keys the backend leaves out with the defaults.
func (c *Client) Settings(ctx context.Context) (models.ThresholdConfig, error) {
	var sr settingsResponse
	if err := c.getJSON(ctx, "settings", "/alarms/settings", nil, &sr); err != nil {
		return models.ThresholdConfig{}, err
	}
	cfg := models.DefaultThresholds()
	if sr.RetentionDays > 0 {
		cfg.RetentionDays = round(sr.RetentionDays)
	}
	if sr.CPU > 0 {
		cfg.CPUThreshold = round(sr.CPU)
	}
	if sr.Memory > 0 {
		cfg.MemoryThreshold = round(sr.Memory)
	}
	if sr.Disk > 0 {
		cfg.DiskThreshold = round(sr.Disk)
	}
	return cfg, nil
}

// UpdateSettings sends only the keys set in patch.
func (c *Client) UpdateSettings(ctx context.Context, patch models.ThresholdPatch) error {
	return c.postJSON(ctx, "update_settings", "/alarms/settings", patch)
}

func (c *Client) LatestMetrics(ctx context.Context) ([]models.MetricSample, error) {
	return c.metrics(ctx, "latest_metrics", "/metrics/latest", nil)
}

func (c *Client) RangeMetrics(ctx context.Context, rng models.DateRange) ([]models.MetricSample, error) {
	return c.metrics(ctx, "range_metrics", "/metrics/range", rangeQuery(rng))
}

func (c *Client) metrics(ctx context.Context, op, path string, q url.Values) ([]models.MetricSample, error) {
	var wire []sampleJSON
	if err := c.getJSON(ctx, op, path, q, &wire); err != nil {
		return nil, err
	}
	out := make([]models.MetricSample, 0, len(wire))
	for _, s := range wire {
		ts, err := parseTimestamp(s.Timestamp)
		if err != nil {
			return nil, failure.Server(http.StatusOK, "Malformed metrics payload")
		}
		out = append(out, models.MetricSample{Timestamp: ts, CPUUsage: s.CPUUsage, MemoryUsage: s.MemoryUsage, DiskUsage: s.DiskUsage})
	}
	return out, nil
}

// Download streams the metrics export for rng into w and returns the byte
// count. The body is passed through untouched.
func (c *Client) Download(ctx context.Context, rng models.DateRange, w io.Writer) (int64, error) {
	res, err := c.do(ctx, "download", http.MethodGet, "/metrics/download", rangeQuery(rng), nil)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return 0, serverError(res.StatusCode, raw)
	}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		return n, failure.Network(err)
	}
	return n, nil
}

// Ping reports whether the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.do(ctx, "ping", http.MethodGet, "/alarms/settings", nil, nil)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode >= 500 {
		return failure.Server(res.StatusCode, "")
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	res, err := c.do(ctx, op, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if res.StatusCode >= 300 {
		return serverError(res.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return failure.Server(res.StatusCode, fmt.Sprintf("Malformed %s response", op))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body any) error {
	res, err := c.do(ctx, op, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return serverError(res.StatusCode, raw)
	}
	return nil
}

// do sends the request. Transport failures come back as network failures;
// the caller owns the response body otherwise.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body any) (*http.Response, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.HTTP.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		telemetry.BackendRequestDuration.WithLabelValues(op, "error").Observe(elapsed.Seconds())
		c.log.Debug("backend request failed", "op", op, "request_id", reqID, "duration_ms", elapsed.Milliseconds(), "err", err)
		return nil, failure.Network(err)
	}
	telemetry.BackendRequestDuration.WithLabelValues(op, strconv.Itoa(res.StatusCode)).Observe(elapsed.Seconds())
	c.log.Debug("backend request", "op", op, "request_id", reqID, "status", res.StatusCode, "duration_ms", elapsed.Milliseconds())
	return res, nil
}

func serverError(status int, raw []byte) error {
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return failure.Server(status, e.Error)
	}
	return failure.Server(status, "")
}

func rangeQuery(rng models.DateRange) url.Values {
	q := url.Values{}
	q.Set("start", rng.Start.UTC().Format(queryTimeFormat))
	q.Set("end", rng.End.UTC().Format(queryTimeFormat))
	return q
}

func round(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}
