package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
	"metricsconsole/internal/telemetry"
)

// AuthGateway submits credentials to the backend. Rejected credentials must
// come back as failure.KindInvalidCredentials; transport problems as
// failure.KindNetwork.
type AuthGateway interface {
	Login(ctx context.Context, username, password string) (models.Session, error)
}

type Options struct {
	MaxFailures     int
	LockoutDuration time.Duration
	Timeout         time.Duration
}

func DefaultOptions() Options {
	return Options{MaxFailures: 3, LockoutDuration: 5 * time.Minute, Timeout: 5 * time.Second}
}

// Status is the login form state: UNLOCKED(FailureCount) or LOCKED(UnlockAt).
type Status struct {
	Locked            bool      `json:"locked"`
	UnlockAt          time.Time `json:"unlock_at,omitempty"`
	FailureCount      int       `json:"failure_count"`
	RemainingAttempts int       `json:"remaining_attempts"`
}

// Controller runs the login and lockout state machine. The lock is lifted
// lazily by the first attempt made after it expires.
type Controller struct {
	store     *Store
	gateway   AuthGateway
	validator *Validator
	log       *slog.Logger
	now       func() time.Time
	opts      Options

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

func NewController(store *Store, gateway AuthGateway, opts Options, logger *slog.Logger) *Controller {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Controller{
		store:     store,
		gateway:   gateway,
		validator: NewValidator(),
		log:       logger,
		now:       time.Now,
		opts:      opts,
	}
}

// AttemptLogin authenticates and, on success, writes the session and returns
// the role to route to. The password is not kept past this call.
func (c *Controller) AttemptLogin(ctx context.Context, username, password string) (models.Role, error) {
	c.mu.Lock()
	if !c.lockedUntil.IsZero() {
		if now := c.now(); now.Before(c.lockedUntil) {
			until := c.lockedUntil
			c.mu.Unlock()
			telemetry.LoginAttempts.WithLabelValues("locked").Inc()
			return "", failure.AccountLocked(until, until.Sub(now))
		}
		c.failures = 0
		c.lockedUntil = time.Time{}
	}
	c.mu.Unlock()

	if err := c.validator.Check(username, password); err != nil {
		telemetry.LoginAttempts.WithLabelValues("validation").Inc()
		return "", err
	}
	username = strings.TrimSpace(username)

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	sess, err := c.gateway.Login(reqCtx, username, password)
	cancel()
	if err != nil {
		return "", c.fail(username, err)
	}

	c.mu.Lock()
	c.failures = 0
	c.lockedUntil = time.Time{}
	c.mu.Unlock()

	if err := c.store.Set(ctx, sess); err != nil {
		c.log.Error("persist session", "username", sess.Username, "err", err)
		fe := failure.Server(http.StatusInternalServerError, "Could not save session. Please try again.")
		fe.Err = err
		return "", fe
	}
	telemetry.LoginAttempts.WithLabelValues("success").Inc()
	c.log.Info("login succeeded", "username", sess.Username, "role", sess.Role)
	return sess.Role, nil
}

func (c *Controller) fail(username string, err error) error {
	fe, ok := failure.As(err)
	if !ok {
		fe = failure.Network(err)
	}
	switch fe.Kind {
	case failure.KindInvalidCredentials:
		c.mu.Lock()
		c.failures++
		failures := c.failures
		if failures >= c.opts.MaxFailures {
			c.lockedUntil = c.now().Add(c.opts.LockoutDuration)
			until := c.lockedUntil
			c.mu.Unlock()
			telemetry.LoginAttempts.WithLabelValues("invalid").Inc()
			telemetry.Lockouts.Inc()
			c.log.Warn("login locked", "username", username, "failures", failures, "unlock_at", until)
			return failure.AccountLocked(until, c.opts.LockoutDuration)
		}
		c.mu.Unlock()
		telemetry.LoginAttempts.WithLabelValues("invalid").Inc()
		c.log.Info("login rejected", "username", username, "failures", failures)
		return failure.InvalidCredentials(fe.Message, c.opts.MaxFailures-failures)
	case failure.KindNetwork:
		telemetry.LoginAttempts.WithLabelValues("network").Inc()
		c.log.Warn("login transport failure", "username", username, "err", fe.Err)
	default:
		telemetry.LoginAttempts.WithLabelValues("server").Inc()
		c.log.Warn("login failed", "username", username, "err", fe)
	}
	c.mu.Lock()
	fe.RemainingAttempts = c.opts.MaxFailures - c.failures
	c.mu.Unlock()
	return fe
}

// Logout clears the session and the attempt state. Safe to call repeatedly.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.failures = 0
	c.lockedUntil = time.Time{}
	c.mu.Unlock()
	return c.store.Clear(ctx)
}

// Status reports the effective state at the current time without mutating
// it; an expired lock reads as UNLOCKED(0).
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lockedUntil.IsZero() {
		if c.now().Before(c.lockedUntil) {
			return Status{Locked: true, UnlockAt: c.lockedUntil, FailureCount: c.failures}
		}
		return Status{RemainingAttempts: c.opts.MaxFailures}
	}
	return Status{FailureCount: c.failures, RemainingAttempts: c.opts.MaxFailures - c.failures}
}

func (c *Controller) Session() *models.Session { return c.store.Current() }
