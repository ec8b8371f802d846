package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"metricsconsole/internal/access"
	"metricsconsole/internal/backend"
	"metricsconsole/internal/cache"
	"metricsconsole/internal/config"
	"metricsconsole/internal/dashboard"
	"metricsconsole/internal/db"
	"metricsconsole/internal/models"
	"metricsconsole/internal/session"
	"metricsconsole/internal/web"
)

// storage is the durable client storage: sqlite by default, redis when
// configured.
type storage interface {
	session.Storage
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	cfg config.Config
	log *slog.Logger

	storage storage
	backend *backend.Client

	sessions *session.Store
	auth     *session.Controller
	admin    *dashboard.Dashboard
	operator *dashboard.Dashboard
	hub      *web.Hub
	web      *web.Server

	httpSrv *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bc := backend.NewClient(cfg.BackendURL, cfg.RequestTimeout, logger.With("module", "backend"))
	sessions := session.NewStore(st)
	if err := sessions.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	auth := session.NewController(sessions, bc, session.Options{
		MaxFailures:     cfg.LockoutAttempts,
		LockoutDuration: cfg.LockoutDuration,
		Timeout:         cfg.LoginTimeout,
	}, logger.With("module", "session"))

	admin := dashboard.NewAdmin(bc, cfg.DefaultRange, logger.With("module", "admin"))
	operator := dashboard.NewOperator(bc, cfg.DefaultRange, logger.With("module", "operator"))
	sessions.OnChange(func(cur *models.Session) {
		admin.Reset()
		operator.Reset()
	})

	hub := web.NewHub(logger.With("module", "ws"))
	checks := map[string]web.Check{"storage": st.Ping, "backend": bc.Ping}
	w := web.NewServer(auth, admin, operator, hub, web.NewRateLimiter(cfg.LoginRate, cfg.LoginBurst), checks, logger.With("module", "web"))

	a := &App{
		cfg:      cfg,
		log:      logger,
		storage:  st,
		backend:  bc,
		sessions: sessions,
		auth:     auth,
		admin:    admin,
		operator: operator,
		hub:      hub,
		web:      w,
	}
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	if cur := sessions.Current(); cur != nil {
		logger.Info("session restored", "username", cur.Username, "role", cur.Role)
	}
	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config) (storage, error) {
	switch cfg.Storage {
	case config.StorageRedis:
		return cache.NewRedisStorage(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		sqldb, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		if err := db.Migrate(sqldb); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("migrate storage: %w", err)
		}
		return db.NewRepository(sqldb), nil
	}
}

func (a *App) Auth() *session.Controller { return a.auth }

// Dashboard returns the dashboard behind a view, or nil for login/root.
func (a *App) Dashboard(v access.View) *dashboard.Dashboard {
	switch v {
	case access.ViewAdmin:
		return a.admin
	case access.ViewOperator:
		return a.operator
	}
	return nil
}

func (a *App) Close() error {
	a.hub.Stop()
	return a.storage.Close()
}

// Run serves the console until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr, "backend", a.cfg.BackendURL)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		a.log.Error("http server failed", "err", err)
		_ = a.Close()
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	return a.Close()
}
