package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/auth"
	"github.com/kha997/zenamanagephp-sub064/internal/gateway"
	"github.com/kha997/zenamanagephp-sub064/internal/ingest"
	"github.com/kha997/zenamanagephp-sub064/internal/limits"
	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/kha997/zenamanagephp-sub064/internal/platform"
	"github.com/kha997/zenamanagephp-sub064/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

type ingestSource interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger until the configured one exists
	startup := log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(cfg *platform.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, closeBackends, err := buildGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	limiter := limits.NewRateLimitGuard(limits.Limits{
		ConnectionMessagesPerSec: cfg.ConnectionMessagesPerSec,
		TenantMessagesPerSec:     cfg.TenantMessagesPerSec,
		TenantMaxConnections:     cfg.TenantMaxConnections,
		Window:                   cfg.RateLimitWindow,
	}, logger, nil)

	var handshakes *limits.ConnectionRateLimiter
	if cfg.HandshakeRateLimitEnabled {
		handshakes = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.HandshakeIPBurst,
			IPRate:      cfg.HandshakeIPRate,
			GlobalBurst: cfg.HandshakeGlobalBurst,
			GlobalRate:  cfg.HandshakeGlobalRate,
			Logger:      logger,
		})
	}

	registry := gateway.NewRegistry(guard, limiter, gateway.Options{
		SendBufferSize:    cfg.SendBufferSize,
		OverflowPolicy:    types.OverflowPolicy(cfg.OverflowPolicy),
		SlowClientStrikes: cfg.SlowClientStrikes,
		MaxProtocolErrors: cfg.MaxProtocolErrors,
		Logger:            logger,
	})

	system := monitoring.NewSystemMonitor(logger)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	system.Start(monitorCtx, cfg.MetricsInterval)

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:               cfg.Addr,
		MaxConnections:     cfg.MaxConnections,
		ShutdownGrace:      cfg.ShutdownGrace,
		ReauthInterval:     cfg.ReauthInterval,
		CPURejectThreshold: cfg.CPURejectThreshold,
		Pump: gateway.PumpConfig{
			WriteWait:      cfg.WriteWait,
			PongWait:       cfg.PongWait,
			MaxMessageSize: int64(cfg.MaxMessageSize),
		},
	}, registry, limiter, handshakes, system, logger)

	sources, err := buildIngest(cfg, registry, logger)
	if err != nil {
		stopMonitor()
		return err
	}

	if err := server.Start(); err != nil {
		stopMonitor()
		return fmt.Errorf("failed to start server: %w", err)
	}

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	for _, src := range sources {
		if err := src.Start(ingestCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to start ingest source")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	for _, src := range sources {
		src.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	stopMonitor()
	system.Wait()
	return nil
}

// buildGuard wires the configured token and directory backends into an auth.Guard
func buildGuard(ctx context.Context, cfg *platform.Config, logger zerolog.Logger) (*auth.Guard, func(), error) {
	closeFn := func() {}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		client, err := auth.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, closeFn, err
		}
		redisClient = client
		closeFn = func() { client.Close() }
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	var static *auth.StaticDirectory
	if cfg.TokenBackend == "static" || cfg.DirectoryBackend == "static" {
		dir, err := auth.LoadStaticDirectory(cfg.StaticFile)
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		static = dir
	}

	var tokens auth.TokenVerifier
	switch cfg.TokenBackend {
	case "jwt":
		tokens = auth.NewJWTVerifier(cfg.JWTSecret)
	case "static":
		tokens = static
	default:
		tokens = auth.NewRedisDirectory(redisClient, cfg.RedisKeyPrefix)
	}

	var directory auth.Directory
	switch cfg.DirectoryBackend {
	case "static":
		directory = static
	default:
		directory = auth.NewRedisDirectory(redisClient, cfg.RedisKeyPrefix)
	}

	guard := auth.NewGuard(auth.GuardConfig{
		Tokens:       tokens,
		Directory:    directory,
		Fallback:     auth.FallbackPolicy(cfg.PolicyFallback),
		CheckTimeout: cfg.CheckTimeout,
		Logger:       logger,
	})
	return guard, closeFn, nil
}

// buildIngest creates the optional Kafka and NATS sources
func buildIngest(cfg *platform.Config, registry *gateway.Registry, logger zerolog.Logger) ([]ingestSource, error) {
	dispatcher := ingest.NewDispatcher(registry, cfg.MaxIngestRate, logger)
	var sources []ingestSource

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		src, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.ConsumerGroup,
			Topics:        []string{cfg.KafkaTopic},
			Logger:        logger,
		}, dispatcher)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	if cfg.NATSURL != "" {
		src, err := ingest.NewNATSSource(ingest.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Logger:  logger,
		}, dispatcher)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return sources, nil
}
