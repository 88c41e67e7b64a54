// Package server exposes the HTTP surface: the /ws event and control socket,
// OAuth endpoints, health and status, metrics, the MMR endpoint, and static
// overlay mounts. Correlation IDs are injected into request contexts for
// consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kremstream/overlayd/broadcast"
	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/integration"
	"github.com/kremstream/overlayd/obs"
	"github.com/kremstream/overlayd/startup"
	"github.com/kremstream/overlayd/telemetry"
	"github.com/kremstream/overlayd/tokens"
	"github.com/kremstream/overlayd/vnyan"
	"github.com/kremstream/overlayd/youtube"
)

// Handlers bundles the dependencies of all HTTP handlers.
type Handlers struct {
	cfg          *config.Config
	db           *sql.DB
	store        *tokens.Store
	tokenMgr     *tokens.Manager
	seq          *startup.Sequencer
	integrations *integration.Manager
	bcast        *broadcast.Broadcaster
	obs          *obs.Client
	vnyan        *vnyan.Client
	ytOAuth      *youtube.OAuth

	stateMu    sync.RWMutex
	stateStore map[string]time.Time
}

func NewHandlers(cfg *config.Config, db *sql.DB, store *tokens.Store, tokenMgr *tokens.Manager,
	seq *startup.Sequencer, integrations *integration.Manager, bcast *broadcast.Broadcaster,
	obsClient *obs.Client, vnyanClient *vnyan.Client, ytOAuth *youtube.OAuth) *Handlers {
	return &Handlers{
		cfg:          cfg,
		db:           db,
		store:        store,
		tokenMgr:     tokenMgr,
		seq:          seq,
		integrations: integrations,
		bcast:        bcast,
		obs:          obsClient,
		vnyan:        vnyanClient,
		ytOAuth:      ytOAuth,
		stateStore:   make(map[string]time.Time),
	}
}

// NewMux returns the HTTP handler with all routes.
func NewMux(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ws", h.HandleWS)

	mux.HandleFunc("/auth/twitch", h.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)
	mux.HandleFunc("/auth/youtube", h.HandleYouTubeOAuthStart)
	mux.HandleFunc("/auth/youtube/callback", h.HandleYouTubeOAuthCallback)

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/api/mmr", h.HandleMMR)

	// Overlay bundles are served straight from disk under /overlay/<name>/.
	mux.Handle("/overlay/", http.StripPrefix("/overlay/", http.FileServer(http.Dir(h.cfg.OverlaysDir))))

	// Correlation ID injector.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(h),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
