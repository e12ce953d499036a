// Package app wires configuration, stores, and services into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"shiftcast/internal/alert"
	"shiftcast/internal/audit"
	"shiftcast/internal/channel"
	"shiftcast/internal/config"
	"shiftcast/internal/coordinator"
	"shiftcast/internal/dispatch"
	"shiftcast/internal/domain"
	"shiftcast/internal/eventbus"
	"shiftcast/internal/httpapi"
	"shiftcast/internal/intent"
	"shiftcast/internal/runtime/supervisor"
	"shiftcast/internal/sample"
	"shiftcast/internal/store"
	"shiftcast/internal/sweep"
	logx "shiftcast/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	auditStore audit.Store
	dispatcher *dispatch.Dispatcher
	httpSrv    *httpapi.Server
	sweeper    *sweep.Service
	alerter    *alert.Service

	sup *supervisor.Supervisor
}

// New loads the config file and builds every service. Nothing starts yet.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	caregivers := store.New[domain.Caregiver]()
	shifts := store.New[domain.Shift]()
	fanouts := store.New[domain.FanoutState]()
	if err := sample.Load(cfg.SampleDataPath, caregivers, shifts, log); err != nil {
		return nil, err
	}

	auditStore, err := audit.Open(auditConfig(cfg), log.With(logx.String("comp", "audit")))
	if err != nil {
		return nil, err
	}

	ch, err := channel.Open(cfg.Channels, log.With(logx.String("comp", "channel")))
	if err != nil {
		return nil, err
	}
	classifier, err := intent.Open(cfg.Classifier, log.With(logx.String("comp", "intent")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	dispatcher := dispatch.New(dispatchConfig(cfg), ch, bus, auditStore, log.With(logx.String("comp", "dispatch")))

	coord := coordinator.New(coordinator.Deps{
		Caregivers:    caregivers,
		Shifts:        shifts,
		Fanouts:       fanouts,
		Dispatcher:    dispatcher,
		Classifier:    classifier,
		Bus:           bus,
		Audit:         auditStore,
		Log:           log.With(logx.String("comp", "coordinator")),
		EscalateAfter: cfg.EscalationDelay(),
		DedupWindow:   dedupWindow(cfg),
	})

	httpSrv := httpapi.NewServer(httpConfig(cfg), httpapi.Deps{
		Coordinator: coord,
		Shifts:      shifts,
		Caregivers:  caregivers,
		Fanouts:     fanouts,
		Log:         log.With(logx.String("comp", "http")),
	})

	sweeper := sweep.New(sweep.Config{
		Enabled:  cfg.Sweep.Enabled,
		Schedule: cfg.Sweep.Schedule,
	}, coord, log.With(logx.String("comp", "sweep")))

	alerter, err := alert.New(alertConfig(cfg), bus, log.With(logx.String("comp", "alert")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		auditStore: auditStore,
		dispatcher: dispatcher,
		httpSrv:    httpSrv,
		sweeper:    sweeper,
		alerter:    alerter,
	}, nil
}

// Start brings all services up and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	if err := a.httpSrv.Start(ctx); err != nil {
		return err
	}
	if err := a.sweeper.Start(a.sup.Context()); err != nil {
		a.httpSrv.Stop(ctx)
		return err
	}
	a.alerter.Start(a.sup.Context())

	a.sup.Go("config.watch", a.cfgMgr.Watch)
	a.sup.Go("config.reload", a.reloadLoop)

	a.log.Info("shiftcast started")
	return nil
}

// Stop shuts everything down in reverse start order, bounded by ctx.
func (a *App) Stop(ctx context.Context) {
	a.httpSrv.Stop(ctx)
	a.sweeper.Stop(ctx)
	a.alerter.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			a.log.Warn("audit store close failed", logx.Err(err))
		}
	}
	a.log.Info("shiftcast stopped")
	_ = a.logSvc.Close()
}

// reloadLoop applies hot-reloadable settings when the config file changes.
// Only logging and dispatch limits apply live; the rest needs a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	updates := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-updates:
			if !ok {
				return nil
			}
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logConfig(cfg))
			a.dispatcher.Apply(dispatchConfig(cfg))
			a.log.Info("runtime settings applied",
				logx.String("log_level", cfg.Logging.Level),
				logx.Int("dispatch_rate", cfg.Dispatch.RatePerSec))
		}
	}
}

// ---- config mapping ----

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func httpConfig(cfg *config.Config) httpapi.Config {
	read, _ := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	write, _ := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	idle, _ := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, time.Minute)
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	timeout, _ := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	return dispatch.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: timeout,
	}
}

func auditConfig(cfg *config.Config) audit.Config {
	if cfg.Storage == nil {
		return audit.Config{}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return audit.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		DedupWindow: dedupWindow(cfg),
	}
}

func dedupWindow(cfg *config.Config) time.Duration {
	if cfg.Storage == nil {
		return time.Hour
	}
	d, err := config.ParseDurationOrDefault("storage.dedup_window", cfg.Storage.DedupWindow, time.Hour)
	if err != nil {
		return time.Hour
	}
	return d
}

func alertConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}
}
