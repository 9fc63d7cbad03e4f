package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"msgsync/internal/retention"
	"msgsync/pkg/backend"
	"msgsync/pkg/cache"
	"msgsync/pkg/channel"
	"msgsync/pkg/config"
	"msgsync/pkg/engine"
	"msgsync/pkg/events"
	"msgsync/pkg/logger"
	"msgsync/pkg/models"
	"msgsync/pkg/push"
)

// App wires the process together: cache, backend client, push client,
// engine, retention and the view API server.
type App struct {
	eff   config.EffectiveConfigResult
	eng   *engine.Engine
	pushc *push.Client
	ret   *retention.Service
}

func New(eff config.EffectiveConfigResult) (*App, error) {
	cfg := eff.Config
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend base_url is required (config backend.base_url or MSGSYNC_BACKEND_URL)")
	}
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("identity user_id is required (config identity.user_id or MSGSYNC_USER_ID)")
	}

	a := &App{eff: eff}

	if !cfg.Cache.Disabled && eff.CachePath != "" {
		if err := cache.Open(eff.CachePath); err != nil {
			// the cache only accelerates warm start; run without it
			logger.Warn("cache_unavailable_continuing", "path", eff.CachePath, "error", err)
		}
	}
	if cfg.Sync.MaxPooledBufferBytes > 0 {
		events.SetMaxPooledBuffer(cfg.Sync.MaxPooledBufferBytes.Int64())
	}

	be := backend.New(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout.Or(10 * time.Second),
		RPS:     cfg.Backend.RateRPS,
		Burst:   cfg.Backend.RateBurst,
	})

	var pushIface engine.Push
	if !cfg.Push.Disabled && cfg.Push.URL != "" {
		// the handler closes over the app so the engine can be constructed
		// after the push client
		a.pushc = push.New(push.Options{
			URL:              cfg.Push.URL,
			HandshakeTimeout: cfg.Push.HandshakeTimeout.Duration(),
			PingInterval:     cfg.Push.PingInterval.Duration(),
			ReconnectMin:     cfg.Push.ReconnectMin.Duration(),
			ReconnectMax:     cfg.Push.ReconnectMax.Duration(),
		}, func(thread string, raw []byte) {
			a.eng.HandlePushEvent(thread, raw)
		})
		pushIface = a.pushc
	} else {
		logger.Info("push_disabled_poll_only")
	}

	a.eng = engine.New(be, pushIface, engine.Options{
		Self: models.Sender{
			ID:       cfg.Identity.UserID,
			FullName: cfg.Identity.FullName,
			Role:     cfg.Identity.Role,
		},
		ModeratorRoles:   cfg.Moderation.ModeratorRoles,
		AutoApproveRoles: cfg.Moderation.AutoApproveRoles,
		Channel:          channelOptions(cfg),
		DedupWindow:      cfg.Sync.DedupWindow.Duration(),
		QueueCapacity:    cfg.Sync.QueueCapacity,
	})
	a.ret = retention.New(cfg.Retention)
	return a, nil
}

func channelOptions(cfg *config.Config) channel.Options {
	return channel.Options{
		PollInterval: cfg.Sync.PollInterval.Or(4 * time.Second),
		FetchTimeout: cfg.Sync.FetchTimeout.Or(10 * time.Second),
		PageLimit:    cfg.Sync.PageLimit,
	}
}

// Run starts all components and serves the view API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.pushc != nil {
		a.pushc.Start(ctx)
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a.eng.Start(startCtx)
	cancel()

	if err := a.ret.Start(); err != nil {
		logger.Warn("retention_not_started", "error", err)
	}

	srv := &http.Server{
		Addr:              a.eff.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("view_api_listening", "addr", a.eff.Addr, "config_source", a.eff.Source)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Shutdown(shCtx)
		shCancel()
	case err = <-errCh:
		if err == http.ErrServerClosed {
			err = nil
		}
	}

	a.eng.Stop()
	if a.pushc != nil {
		a.pushc.Close()
	}
	a.ret.Stop()
	if cerr := cache.Close(); cerr != nil {
		logger.Warn("cache_close_failed", "error", cerr)
	}
	logger.Info("shutdown_complete")
	return err
}
