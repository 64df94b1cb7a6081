// Command clipcast runs the Twitch clip overlay controller.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the channel config store (Postgres with migrations, or a watched JSON file).
//   - Connects the chat bot to every configured channel and dispatches its commands.
//   - Pushes clips to browser-source overlays over websockets.
//   - Refreshes stored broadcaster tokens used for clip creation.
//   - Serves the dashboard, OAuth login, overlay pages, /healthz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/chat"
	"github.com/onnwee/clipcast/commands"
	"github.com/onnwee/clipcast/config"
	"github.com/onnwee/clipcast/crypto"
	"github.com/onnwee/clipcast/db"
	"github.com/onnwee/clipcast/oauth"
	"github.com/onnwee/clipcast/overlay"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/server"
	"github.com/onnwee/clipcast/telemetry"
	"github.com/onnwee/clipcast/twitchapi"
)

// tokenStore is satisfied by both the Postgres and the file token stores.
type tokenStore interface {
	commands.UserTokens
	server.TokenSaver
	oauth.TokenStore
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("clipcast", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		sealer = s
	}

	// Storage
	var (
		database    *sql.DB
		tokens      tokenStore
		configStore channels.Store
	)
	switch cfg.ConfigStore {
	case config.StoreFile:
		configStore = channels.NewFileStore(cfg.ChannelConfigFile)
		tokens = db.NewFileTokens(cfg.TokenFile, sealer)
		slog.Info("using file stores", slog.String("configs", cfg.ChannelConfigFile), slog.String("tokens", cfg.TokenFile))
	default:
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		tokens = db.NewStore(database, sealer)
		configStore = &db.ChannelConfigs{DB: database}
	}

	registry := channels.NewRegistry()
	if err := registry.Load(ctx, configStore); err != nil {
		slog.Error("failed to load channel configs", slog.Any("err", err))
		os.Exit(1)
	}
	if fs, ok := configStore.(*channels.FileStore); ok {
		go func() {
			if err := fs.Watch(ctx, registry); err != nil && ctx.Err() == nil {
				slog.Error("channel config watcher stopped", slog.Any("err", err))
			}
		}()
	}

	// Helix
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		warmCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if _, err := appTokens.Get(warmCtx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else {
			slog.Info("twitch app token acquired")
		}
		cancel()
	} else {
		slog.Warn("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set, clip lookups will fail")
	}

	// Chat, overlay and the command dispatcher
	hub := overlay.NewHub(clockwork.NewRealClock())
	defer hub.Close()

	bot := chat.New(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.ChatSayInterval)

	deps := commands.Deps{
		Clips:   helix,
		Overlay: hub,
		Configs: registry,
		Chat:    bot,
		Tokens:  tokens,
		States:  playback.NewRegistry(cfg.HistoryLimit),
	}
	dispatcher := commands.New(deps, commands.Options{
		Timeout:    cfg.HelixTimeout,
		LaneBuffer: cfg.LaneBuffer,
	})
	defer dispatcher.Close()

	hub.SetHandler(dispatcher)
	bot.Handler = dispatcher
	bot.Bans = hub

	bot.Join(append(append([]string{}, cfg.TwitchChannels...), registry.Channels()...)...)
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat bot disabled", slog.Any("err", err))
	} else {
		go func() {
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("twitch chat stopped", slog.Any("err", err))
				stop()
			}
		}()
	}

	// Broadcaster token refresher
	oauthCfg := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	(&oauth.Refresher{
		Store: tokens,
		Refresh: func(rctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return twitchapi.RefreshUserToken(rctx, oauthCfg, refreshToken)
		},
	}).Start(ctx)

	startPprof()

	// HTTP server
	srvDeps := server.Deps{
		Config:      cfg,
		OAuth:       oauthCfg,
		Users:       helix,
		Configs:     registry,
		ConfigStore: configStore,
		Chat:        bot,
		Tokens:      tokens,
		Overlay:     hub,
		States:      dispatcher.States(),
		DB:          database,
	}
	if err := cfg.ValidateWebReady(); err != nil {
		slog.Warn("dashboard login not fully configured", slog.Any("err", err))
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, srvDeps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof serves /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
