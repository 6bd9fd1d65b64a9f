package main // Entry point package

import (
	"context"      // Root context for background workers
	"database/sql" // Handle passed to the MySQL backends
	"errors"       // Distinguishes a clean shutdown from a server failure
	"log"          // Logging library
	"net/http"     // http.ErrServerClosed
	"os"           // Signal plumbing
	"os/signal"    // Graceful shutdown on SIGINT/SIGTERM
	"syscall"      // SIGTERM
	"time"         // Shutdown deadline

	_ "time/tzdata" // Rundown timezones must resolve on minimal images

	"github.com/joho/godotenv"                      // Loads .env in development
	"github.com/labstack/echo/v4"                   // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware" // Request logging and panic recovery
	"github.com/redis/go-redis/v9"                  // Redis client type

	"github.com/iliyamo/rundown-sync/internal/broadcast"  // Websocket hub and Redis fan-out
	"github.com/iliyamo/rundown-sync/internal/cache"      // Snapshot cache
	"github.com/iliyamo/rundown-sync/internal/config"     // Internal config loader
	"github.com/iliyamo/rundown-sync/internal/database"   // MySQL connection and schema
	"github.com/iliyamo/rundown-sync/internal/handler"    // HTTP handlers
	"github.com/iliyamo/rundown-sync/internal/lock"       // Advisory locks
	"github.com/iliyamo/rundown-sync/internal/middleware" // Rate limiter
	"github.com/iliyamo/rundown-sync/internal/queue"      // Integration events
	"github.com/iliyamo/rundown-sync/internal/repository" // Data access
	"github.com/iliyamo/rundown-sync/internal/router"     // Internal router setup
	"github.com/iliyamo/rundown-sync/internal/sequence"   // Operation sequence numbers
	"github.com/iliyamo/rundown-sync/internal/service"    // Mutation coordinator
)

func main() {
	_ = godotenv.Load() // a missing .env is fine outside development

	cfg := config.Load() // Load environment config
	syncCfg := config.LoadSyncConfig()
	eventsCfg := config.LoadEventsConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	rdb := config.NewRedisClient() // nil when Redis is unreachable
	if rdb == nil {
		log.Printf("redis unavailable: cache, rate limiting and cross-instance fan-out disabled")
		if syncCfg.LockBackend == "redis" || syncCfg.SequenceBackend == "redis" {
			log.Fatalf("redis lock or sequence backend requested but redis is unavailable")
		}
	} else {
		defer rdb.Close()
	}

	hub := broadcast.NewHub()
	go hub.Run(ctx)

	deps := service.Deps{
		Store:    repository.NewRundownRepo(db),
		Log:      repository.NewOperationRepo(db),
		Sequence: newSequence(syncCfg, db, rdb),
		Locker:   newLocker(syncCfg, db, rdb),
		Notifier: newNotifier(ctx, syncCfg, rdb, hub),
	}
	if c := cache.NewSnapshots(config.LoadCacheConfig(), rdb); c != nil {
		deps.Cache = c
	}
	if eventsCfg.Enabled {
		deps.Events = queue.NewPublisher(eventsCfg.AMQPURL, eventsCfg.Queue)
		if eventsCfg.WebhookURL != "" {
			w := &queue.Webhook{URL: eventsCfg.WebhookURL, Timeout: eventsCfg.WebhookTimeout}
			go func() {
				if err := queue.StartWebhookConsumer(ctx, eventsCfg.AMQPURL, eventsCfg.Queue, w); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("webhook-consumer: %v", err)
				}
			}()
		}
	}
	coord := service.NewCoordinator(deps, syncCfg)
	go coord.RunPruner(ctx)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.Logger())
	router.RegisterRoutes(e) // Register application routes
	router.RegisterRundowns(e, handler.NewRundownHandler(coord, hub), cfg.JWTSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err) // Log and exit if server fails
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	coord.Close() // wait for in-flight event publishing
}

func newSequence(cfg config.SyncConfig, db *sql.DB, rdb *redis.Client) sequence.Allocator {
	if cfg.SequenceBackend == "redis" {
		return sequence.NewRedis(rdb, cfg.RedisPrefix)
	}
	return sequence.NewMySQL(db)
}

func newLocker(cfg config.SyncConfig, db *sql.DB, rdb *redis.Client) lock.Locker {
	if cfg.LockBackend == "redis" {
		return lock.NewRedis(rdb, cfg.RedisPrefix, cfg.LockTTL)
	}
	return lock.NewMySQL(db)
}

// newNotifier fans out through Redis when available so that clients
// connected to other instances hear about every write.
func newNotifier(ctx context.Context, cfg config.SyncConfig, rdb *redis.Client, hub *broadcast.Hub) service.Notifier {
	if rdb == nil {
		return broadcast.LocalNotifier{Hub: hub}
	}
	n := broadcast.NewRedisNotifier(rdb, cfg.RedisPrefix)
	go func() {
		if err := n.Relay(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("broadcast: relay stopped: %v", err)
		}
	}()
	return n
}
