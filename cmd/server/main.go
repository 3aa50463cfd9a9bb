package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratusgg/stratus/internal/api"
	"github.com/stratusgg/stratus/internal/archive"
	"github.com/stratusgg/stratus/internal/auth"
	"github.com/stratusgg/stratus/internal/command"
	"github.com/stratusgg/stratus/internal/compute"
	"github.com/stratusgg/stratus/internal/config"
	"github.com/stratusgg/stratus/internal/db"
	"github.com/stratusgg/stratus/internal/deploy"
	"github.com/stratusgg/stratus/internal/events"
	"github.com/stratusgg/stratus/internal/identity"
	"github.com/stratusgg/stratus/internal/imagecache"
	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/internal/session"
	"github.com/stratusgg/stratus/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// PostgreSQL instance record store
	if cfg.DatabaseURL == "" {
		log.Fatal("stratus: STRATUS_DATABASE_URL is required")
	}
	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("stratus: running database migrations...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// AWS-backed collaborators
	provisioner, err := compute.NewProvisioner(compute.Config{
		Region:           cfg.Region,
		AccountID:        cfg.AccountID,
		AccessKeyID:      cfg.AccessKeyID,
		SecretAccessKey:  cfg.SecretAccessKey,
		LaunchTemplateID: cfg.LaunchTemplateID,
		InstanceType:     cfg.InstanceType,
		SubnetID:         cfg.SubnetID,
		SecurityGroupID:  cfg.SecurityGroupID,
		KeyName:          cfg.KeyName,
	})
	if err != nil {
		log.Fatalf("failed to initialize compute provisioner: %v", err)
	}

	channel, err := command.NewChannel(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("failed to initialize command channel: %v", err)
	}

	images, err := imagecache.NewCache(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("failed to initialize image cache: %v", err)
	}

	bootstrapper, err := identity.NewBootstrapper(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("failed to initialize identity bootstrapper: %v", err)
	}

	// Session tokens are optional; without a JWT secret links carry no token.
	var tokens deploy.TokenIssuer
	var sessions *session.Orchestrator
	if cfg.JWTSecret != "" {
		issuer := auth.NewTokenIssuer(cfg.JWTSecret)
		tokens = issuer
		sessions = session.NewOrchestrator(provisioner, channel, issuer)
	} else {
		log.Println("stratus: STRATUS_JWT_SECRET not set, streaming links will not carry auth tokens")
		sessions = session.NewOrchestrator(provisioner, channel, nil)
	}

	// Workflow execution store: Redis when configured, in-memory otherwise.
	var execStore workflow.ExecutionStore
	if cfg.RedisURL != "" {
		redisStore, err := workflow.NewRedisExecutionStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisStore.Close()
		execStore = redisStore
		log.Println("stratus: using redis execution store")
	} else {
		execStore = workflow.NewMemoryExecutionStore()
		log.Println("stratus: no redis configured, executions are process-local")
	}

	// Optional lifecycle event publishing
	var publisher deploy.EventPublisher
	if cfg.NATSURL != "" {
		p, err := events.NewPublisher(cfg.NATSURL, cfg.Region)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer p.Close()
		publisher = p
	}

	// Optional terminated-record archival
	var archiver deploy.Archiver
	if cfg.S3Bucket != "" {
		a, err := archive.NewStore(archive.Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Fatalf("failed to initialize archive store: %v", err)
		}
		archiver = a
	}

	deployer := deploy.NewDeployer(deploy.Options{
		Store:     store,
		Provision: provisioner,
		Sessions:  sessions,
		Images:    images,
		Identity:  bootstrapper,
		Events:    publisher,
		Archiver:  archiver,
		Tokens:    tokens,
		Region:    cfg.Region,
		DefaultAZ: cfg.DefaultAZ,
	})
	engine := workflow.NewEngine(deployer.Definitions(), execStore)
	deployer.AttachEngine(engine)

	server := api.NewServer(deployer, cfg.APIKey)

	// Metrics are always on the API router; a separate listener lets scrapers
	// stay off the public port.
	var metricsSrv *http.Server
	if cfg.MetricsPort != 0 {
		metricsSrv = metrics.StartMetricsServer(fmt.Sprintf(":%d", cfg.MetricsPort))
		log.Printf("stratus: metrics listening on :%d", cfg.MetricsPort)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("stratus: control plane listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.Printf("stratus: server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("stratus: shutting down")
	if metricsSrv != nil {
		if err := metricsSrv.Close(); err != nil {
			log.Printf("stratus: metrics shutdown error: %v", err)
		}
	}
	if err := server.Close(); err != nil {
		log.Printf("stratus: shutdown error: %v", err)
	}
}
