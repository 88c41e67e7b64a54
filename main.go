// Command overlayd aggregates live-streaming events (chat, follows, message
// deletions) from Twitch and YouTube into one normalized stream and fans it
// out over WebSocket to browser overlays and a control panel. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Evaluates stored OAuth credentials and waits for any missing
//     authentications before starting platform integrations.
//   - Runs background token refreshers for Twitch/YouTube.
//   - Exposes /ws, OAuth endpoints, /healthz, /status, /metrics, and static
//     overlay mounts.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kremstream/overlayd/broadcast"
	"github.com/kremstream/overlayd/config"
	"github.com/kremstream/overlayd/db"
	"github.com/kremstream/overlayd/enrich"
	"github.com/kremstream/overlayd/events"
	"github.com/kremstream/overlayd/integration"
	"github.com/kremstream/overlayd/obs"
	"github.com/kremstream/overlayd/server"
	"github.com/kremstream/overlayd/startup"
	"github.com/kremstream/overlayd/telemetry"
	"github.com/kremstream/overlayd/tokens"
	"github.com/kremstream/overlayd/twitch"
	"github.com/kremstream/overlayd/vnyan"
	"github.com/kremstream/overlayd/youtube"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("overlayd", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Token storage, refresh grants, and the token state manager.
	store := &tokens.Store{DB: database}
	ytOAuth := youtube.NewOAuth(cfg.YTClientID, cfg.YTClientSecret, cfg.YTRedirectURI, cfg.YTScopes)
	refreshFuncs := map[string]tokens.RefreshFunc{
		config.PlatformTwitch:  twitch.NewRefreshFunc(cfg.TwitchClientID, cfg.TwitchClientSecret),
		config.PlatformYouTube: ytOAuth.NewRefreshFunc(),
	}
	tokenMgr := tokens.NewManager(store, refreshFuncs)

	// Helix client shared by the EventSub and IRC chat sources; the access
	// token closure always reads the freshest stored credential.
	helix := &twitch.HelixClient{
		ClientID: cfg.TwitchClientID,
		AccessToken: func() string {
			rec, err := store.Load(context.Background(), config.PlatformTwitch)
			if err != nil || rec == nil {
				return ""
			}
			return rec.AccessToken
		},
		DB:       database,
		CacheTTL: cfg.ProfileCacheTTL,
	}

	bus := events.NewBus()
	bcast := broadcast.NewBroadcaster()
	integMgr := integration.NewManager()

	for _, in := range cfg.Integrations() {
		if !in.Enabled {
			continue
		}
		switch in.Name {
		case config.PlatformTwitch:
			if cfg.TwitchChatTransport == "irc" {
				integMgr.Register(&twitch.IRCAdapter{Channel: cfg.TwitchChannel, Helix: helix, Bus: bus})
			} else {
				integMgr.Register(&twitch.EventSubAdapter{Store: store, Helix: helix, Bus: bus, BroadcasterID: cfg.TwitchBroadcasterID})
			}
		case config.PlatformYouTube:
			integMgr.Register(&youtube.Adapter{Store: store, OAuth: ytOAuth, Bus: bus})
		}
	}

	// Enrichment: emote substitution and the source-tag suppression policy.
	emotes := &enrich.Emotes{Providers: []enrich.Provider{
		enrich.TwitchProvider{Fetcher: helix.GlobalEmotes},
		enrich.BTTVProvider{},
		enrich.SevenTVProvider{},
		enrich.FFZProvider{},
	}}
	pipeline := &enrich.Pipeline{Emotes: emotes, Integrations: integMgr, Out: bcast, PipeSound: cfg.PipeSound}
	pipeline.Attach(ctx, bus)

	// Background token refreshers.
	if cfg.Integration(config.PlatformTwitch).Enabled {
		tokens.StartRefresher(ctx, store, tokenMgr, config.PlatformTwitch, 5*time.Minute, 15*time.Minute, refreshFuncs[config.PlatformTwitch])
	}
	if cfg.Integration(config.PlatformYouTube).Enabled {
		tokens.StartRefresher(ctx, store, tokenMgr, config.PlatformYouTube, 10*time.Minute, 20*time.Minute, refreshFuncs[config.PlatformYouTube])
	}

	// Side-effect collaborators. Both are best-effort: overlays keep working
	// when OBS or VNyan is not running.
	obsClient := obs.NewClient(cfg.OBSAddr, cfg.OBSPassword)
	go func() {
		if err := obsClient.Connect(ctx); err != nil {
			slog.Warn("obs connect failed", slog.Any("err", err))
		}
	}()
	vnyanClient := vnyan.NewClient(cfg.VNyanAddr)
	if cfg.VNyanAddr != "" {
		go func() {
			if err := vnyanClient.Connect(ctx); err != nil {
				slog.Warn("vnyan connect failed", slog.Any("err", err))
			}
		}()
	}

	// Startup sequencer: runs the checking -> needs_auth -> ready machine and
	// reacts to OAuth completions afterwards.
	seq := startup.NewSequencer(tokenMgr, integMgr, cfg.EnabledIntegrations(), cfg.BaseURL)
	go seq.Initialize(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case name := <-tokenMgr.TokenReady():
				seq.HandleNewAuthentication(ctx, name)
			}
		}
	}()

	handlers := server.NewHandlers(cfg, database, store, tokenMgr, seq, integMgr, bcast, obsClient, vnyanClient, ytOAuth)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	integMgr.StopAll()
	obsClient.Close()
	vnyanClient.Close()
}
