// Command streamvault is the main entrypoint for the StreamVault API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the live-state watcher (Helix polling), the
//     optional Kafka lifecycle feed, the recording scanner, and retention.
//   - Exposes the HTTP API with streamer/session management, byte-range media
//     serving, health probes, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Serph91P/StreamVault-sub006/archive"
	"github.com/Serph91P/StreamVault-sub006/chat"
	"github.com/Serph91P/StreamVault-sub006/config"
	"github.com/Serph91P/StreamVault-sub006/db"
	"github.com/Serph91P/StreamVault-sub006/livecache"
	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/safepath"
	"github.com/Serph91P/StreamVault-sub006/server"
	"github.com/Serph91P/StreamVault-sub006/signals"
	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
	"github.com/Serph91P/StreamVault-sub006/twitchapi"
	"github.com/Serph91P/StreamVault-sub006/watcher"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamvault", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Storage roots must exist before the resolvers hand out any paths.
	for _, dir := range []string{cfg.RecordingsDir, cfg.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create storage root", slog.String("dir", dir), slog.Any("err", err))
			os.Exit(1)
		}
	}
	records, err := safepath.NewResolver(cfg.RecordingsDir)
	if err != nil {
		slog.Error("recordings resolver", slog.Any("err", err))
		os.Exit(1)
	}
	thumbs, err := safepath.NewResolver(cfg.ThumbnailsDir)
	if err != nil {
		slog.Error("thumbnails resolver", slog.Any("err", err))
		os.Exit(1)
	}

	// DB
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

	// Migrations: versioned (golang-migrate) first, embedded idempotent SQL as
	// the fallback for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := streamstate.NewRecorder(database)
	store := recording.NewStore(database)
	capturer := recording.NewCapturer(store, records, thumbs, recording.Options{
		StreamlinkPath: cfg.StreamlinkPath,
		FFmpegPath:     cfg.FFmpegPath,
		FFprobePath:    cfg.FFprobePath,
	})
	chatRec := chat.NewRecorder(database)

	// Live snapshot cache (optional).
	var cache *livecache.Cache
	if cfg.RedisAddr != "" {
		rdb, err := livecache.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("err", err))
			os.Exit(1)
		}
		cache = livecache.New(rdb)
		slog.Info("live cache enabled", slog.String("addr", cfg.RedisAddr))
	}

	// Archive uploader (optional).
	var uploader *archive.Uploader
	if cfg.S3Endpoint != "" {
		uploader, err = archive.New(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL, store, records)
		if err != nil {
			slog.Error("archive init failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("archive enabled", slog.String("endpoint", cfg.S3Endpoint), slog.String("bucket", cfg.S3Bucket))
	}

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}

	// Lifecycle hooks: the watcher and the signal feed both funnel confirmed
	// transitions through these, so manual API signals, Kafka events, and
	// Helix polling all share one code path.
	hooks := watcher.Hooks{
		OnLive: func(hctx context.Context, s streamstate.Streamer, snap streamstate.LiveSnapshot) {
			startedAt := snap.StartedAt
			if startedAt.IsZero() {
				startedAt = time.Now().UTC()
			}
			// The session, capture and chat recorder run on the process
			// context: hctx may be a request context that ends long before
			// the broadcast does.
			sess, err := store.OpenSession(ctx, s.ID, snap.Title, snap.Category, startedAt)
			if err != nil {
				slog.Error("open session failed", slog.Int64("streamer_id", s.ID), slog.Any("err", err))
				return
			}
			if s.RecordEnabled {
				go func() {
					if err := capturer.Capture(ctx, sess, s.Username); err != nil && ctx.Err() == nil {
						slog.Error("capture failed", slog.String("username", s.Username), slog.Any("err", err))
						return
					}
					if uploader != nil && ctx.Err() == nil {
						if err := uploader.Upload(ctx, sess.ID, s.Username); err != nil {
							slog.Warn("archive upload failed", slog.Int64("session_id", sess.ID), slog.Any("err", err))
						}
					}
				}()
			}
			if cfg.ChatRecording {
				chatRec.Start(ctx, sess.ID, s.Username, startedAt)
			}
			if err := cache.SetLive(hctx, livecache.Entry{
				Username:    s.Username,
				SessionID:   sess.ID,
				Title:       snap.Title,
				Category:    snap.Category,
				ViewerCount: snap.ViewerCount,
				StartedAt:   startedAt,
			}); err != nil {
				slog.Warn("live cache update failed", slog.Any("err", err))
			}
		},
		OnUpdate: func(hctx context.Context, s streamstate.Streamer, snap streamstate.LiveSnapshot) {
			sess, _, err := openSessionFor(hctx, store, s.ID)
			if err != nil {
				return
			}
			if err := cache.SetLive(hctx, livecache.Entry{
				Username:    s.Username,
				SessionID:   sess.ID,
				Title:       snap.Title,
				Category:    snap.Category,
				ViewerCount: snap.ViewerCount,
				StartedAt:   snap.StartedAt,
			}); err != nil {
				slog.Warn("live cache update failed", slog.Any("err", err))
			}
		},
		OnOffline: func(hctx context.Context, s streamstate.Streamer, last streamstate.LastSnapshot) {
			capturer.Cancel(s.Username)
			sess, closed, err := store.CloseOpenSession(hctx, s.ID, time.Now().UTC())
			if err != nil {
				slog.Error("close session failed", slog.Int64("streamer_id", s.ID), slog.Any("err", err))
			} else if closed {
				chatRec.Stop(sess.ID)
			}
			if err := cache.SetOffline(hctx, s.Username); err != nil {
				slog.Warn("live cache removal failed", slog.Any("err", err))
			}
		},
	}

	w := watcher.New(recorder, helix, cfg.PollInterval, cfg.OfflineConfirmations, hooks)

	// Helix polling needs app credentials; without them transitions come only
	// from the signal feed and the manual API endpoints.
	if err := cfg.ValidateTwitchReady(); err == nil {
		go w.Run(ctx)
	} else {
		slog.Warn("helix polling disabled", slog.Any("err", err))
	}

	// Kafka lifecycle feed (optional).
	if len(cfg.KafkaBrokers) > 0 {
		consumer := signals.New(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, func(sctx context.Context, ev signals.LifecycleEvent) error {
			snap := streamstate.LiveSnapshot{
				Title:       ev.Title,
				Category:    ev.Category,
				ViewerCount: ev.ViewerCount,
				StartedAt:   ev.OccurredAt,
			}
			// Unknown streamers are skipped for good (committed); persistence
			// failures propagate so the consumer retries the event.
			err := w.Notify(sctx, ev.Username, ev.Event == signals.EventOnline, snap)
			if errors.Is(err, streamstate.ErrNotFound) {
				slog.Warn("lifecycle event for untracked streamer",
					slog.String("username", ev.Username),
					slog.String("event", ev.Event),
					slog.String("component", "signals"))
				return nil
			}
			return err
		})
		go consumer.Run(ctx)
	}

	// Recording reconciliation and retention.
	scanner := recording.NewScanner(store, records, 0)
	go func() {
		if err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scanner exited", slog.Any("err", err))
		}
	}()
	retention := recording.NewRetention(store, records, thumbs, recording.LoadRetentionPolicy())
	go retention.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
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

	// HTTP server
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	deps := server.Deps{
		DB:           database,
		Recorder:     recorder,
		Store:        store,
		Records:      records,
		Thumbs:       thumbs,
		Watcher:      w,
		Capturer:     capturer,
		Scanner:      scanner,
		Retention:    retention,
		Cache:        cache,
		Uploader:     uploader,
		Helix:        helix,
		KafkaBrokers: cfg.KafkaBrokers,
		Version:      version,
	}
	go func() {
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// openSessionFor fetches the streamer's open session if one exists.
func openSessionFor(ctx context.Context, store *recording.Store, streamerID int64) (recording.Session, bool, error) {
	open, err := store.ListOpen(ctx)
	if err != nil {
		return recording.Session{}, false, err
	}
	for _, o := range open {
		if o.Session.StreamerID == streamerID {
			return o.Session, true, nil
		}
	}
	return recording.Session{}, false, nil
}
