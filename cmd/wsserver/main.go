package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/livetype/relay-chat/internal/api"
	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/config"
	"github.com/livetype/relay-chat/internal/messaging"
	"github.com/livetype/relay-chat/internal/metrics"
	"github.com/livetype/relay-chat/internal/moderation"
	"github.com/livetype/relay-chat/internal/ratelimit"
	"github.com/livetype/relay-chat/internal/relay"
	"github.com/livetype/relay-chat/internal/room"
	"github.com/livetype/relay-chat/internal/session"
	"github.com/livetype/relay-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	// --- Message store ---
	store, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("failed to open %s message store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if natsConfig, ok := cfg.NATS(); ok {
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		store = chat.WithPublisher(store, natsClient)
	}

	log.Printf("relay chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  store_backend:   %s", cfg.StoreBackend)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  relay_secret:    %t", cfg.RelaySecret != "")

	registry := session.NewRegistry(cfg.Session())
	registry.SetOnExpire(func(s session.Session) {
		log.Printf("[session] expired session=%s room=%s username=%s", s.ID, s.Room, s.Username)
		metrics.SessionsActive.Set(float64(registry.Count()))
	})

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg.Server(), dispatcher.Dispatch)

	handler := room.NewHandler(registry, store, server.Connections(), cfg.RatePolicy(), moderation.NewFilter(cfg.ContentRules()))
	handler.Register(dispatcher)
	server.SetOnConnect(handler.OnConnect)
	server.SetOnDisconnect(handler.OnDisconnect)

	scheduler := relay.NewScheduler(cfg.Relay(), store, server.Connections())

	var throttle api.Throttle
	if rdb != nil {
		limiter := ratelimit.NewLimiter(rdb)
		throttle = limiter
		server.SetConnectGuard(func(r *http.Request) bool {
			allowed, _ := limiter.Allow(r.Context(), ws.ClientIP(r), ratelimit.RuleConnect)
			return allowed
		})
	}

	api.New(cfg.API(), store, registry, scheduler, throttle).Routes(server.Handle)
	server.Handle("/metrics", metrics.Handler())

	if natsClient != nil {
		if err := natsClient.SubscribeIngest(scheduler.Ingest); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectRelayIngest, err)
		}
	}

	go registry.Start(ctx)
	go chat.StartSweeper(ctx, store, cfg.Sweep())
	go scheduler.Start(ctx)

	// Graceful shutdown.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Printf("received shutdown signal, initiating graceful shutdown...")

		if natsClient != nil {
			natsClient.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
}

// openStore builds the configured message store and its cleanup func.
func openStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (chat.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return chat.NewRedisStore(rdb), func() {}, nil
	case config.BackendPostgres:
		pg, err := chat.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() {
			if err := pg.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}, nil
	default:
		return chat.NewMemoryStore(), func() {}, nil
	}
}
