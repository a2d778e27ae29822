package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/fx"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/scheduler"
	"github.com/jdholdren/crnwatch/internal/serverutil"
)

type (
	// Store is the persistence the HTTP surface reads and writes.
	Store interface {
		CreateSubscription(ctx context.Context, sub crnwatch.Subscription) (crnwatch.Subscription, error)
		DeleteSubscription(ctx context.Context, userID string, key crnwatch.Key) (int, error)
		UserSubscriptions(ctx context.Context, userID string) ([]crnwatch.Subscription, error)

		Snapshot(ctx context.Context, key crnwatch.Key) (*crnwatch.Section, error)
		KeyEvents(ctx context.Context, key crnwatch.Key, limit, offset int) ([]crnwatch.ChangeEvent, error)
		CountKeyEvents(ctx context.Context, key crnwatch.Key) (int, error)
	}

	// Scheduler is the part of the poll scheduler users can poke at.
	Scheduler interface {
		Track(key crnwatch.Key)
		Forget(key crnwatch.Key)
		Refresh(keys ...crnwatch.Key) int
		Busy(keys ...crnwatch.Key) bool
		Status(key crnwatch.Key) (scheduler.KeyStatus, bool)
	}

	// Server serves subscription management, manual refresh and section
	// status to the UI.
	Server struct {
		*http.Server

		store Store
		sched Scheduler
	}

	Config struct {
		Port       int
		CorsOrigin string
	}

	Params struct {
		fx.In

		Config    Config
		Store     Store
		Scheduler Scheduler
	}
)

func NewServer(lc fx.Lifecycle, p Params) Server {
	srvr := newServer(p.Config, p.Store, p.Scheduler)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srvr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("api server stopped", "error", err)
				}
			}()

			slog.Debug("started api server", "port", p.Config.Port)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srvr.Shutdown(ctx)
		},
	})

	return srvr
}

func newServer(config Config, store Store, sched Scheduler) Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}
	if config.CorsOrigin == "" {
		config.CorsOrigin = "*"
	}

	srvr := Server{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsOrigin}),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
		store: store,
		sched: sched,
	}

	r.Use(serverutil.RequestIDMiddleware, serverutil.AccessLogMiddleware) // Log everything

	// Add by CRN
	r.HandleFuncE("/api/users/{userID}/subscriptions", srvr.postSubscription).Methods(http.MethodPost)
	r.HandleFuncE("/api/users/{userID}/subscriptions", srvr.getSubscriptions).Methods(http.MethodGet)
	r.HandleFuncE("/api/users/{userID}/subscriptions/{term}/{crn}", srvr.deleteSubscription).Methods(http.MethodDelete)

	// Manual refresh
	r.HandleFuncE("/api/users/{userID}/refresh", srvr.postRefresh).Methods(http.MethodPost)
	r.HandleFuncE("/api/users/{userID}/refresh", srvr.getRefresh).Methods(http.MethodGet)

	// Section status
	r.HandleFuncE("/api/sections/{term}/{crn}", srvr.getSection).Methods(http.MethodGet)

	return srvr
}
