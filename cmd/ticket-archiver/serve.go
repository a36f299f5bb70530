package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tms-tools/ticket-archiver/pkg/config"
	"github.com/tms-tools/ticket-archiver/pkg/dispatch"
	"github.com/tms-tools/ticket-archiver/pkg/events"
	"github.com/tms-tools/ticket-archiver/pkg/history"
	"github.com/tms-tools/ticket-archiver/pkg/idempotency"
	"github.com/tms-tools/ticket-archiver/pkg/ingress"
	"github.com/tms-tools/ticket-archiver/pkg/log"
	"github.com/tms-tools/ticket-archiver/pkg/processor"
	"github.com/tms-tools/ticket-archiver/pkg/render"
	"github.com/tms-tools/ticket-archiver/pkg/signing"
	"github.com/tms-tools/ticket-archiver/pkg/storage"
	"github.com/tms-tools/ticket-archiver/pkg/tms"
	"github.com/tms-tools/ticket-archiver/pkg/tsa"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration, then print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dump, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println("Configuration OK")
		fmt.Print(string(dump))
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv(config.ConfigPathEnv, path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Observability.LogLevel),
		JSONOutput: cfg.Observability.LogFormat == "json",
	})
	logger := log.WithComponent("main")

	tmsClient, err := tms.New(tms.Options{
		BaseURL:       cfg.TMS.BaseURL,
		Token:         cfg.TMS.Token.Value(),
		Timeout:       secondsToDuration(cfg.TMS.TimeoutSeconds),
		VerifyTLS:     cfg.TMS.VerifyTLS && !cfg.Hardening.Transport.AllowInsecureTLS,
		TrustEnv:      cfg.Hardening.Transport.TrustEnv,
		AllowInsecure: cfg.Hardening.Transport.AllowInsecureHTTP,
		AllowLocal:    cfg.Hardening.Transport.AllowLocalUpstreams,
	})
	if err != nil {
		return fmt.Errorf("failed to build ticket system client: %w", err)
	}

	renderer, err := render.NewHTMLRenderer(cfg.PDF.TemplateVariant, &render.CommandEngine{
		Path: cfg.PDF.EngineCommand,
		Args: cfg.PDF.EngineArgs,
	})
	if err != nil {
		return fmt.Errorf("failed to build renderer: %w", err)
	}

	var docSigner processor.DocumentSigner
	tsaUsed := false
	if cfg.Signing.Enabled {
		material, err := signing.LoadMaterial(cfg.Signing.PFXPath, cfg.Signing.PFXPassword.Value())
		if err != nil {
			return fmt.Errorf("failed to load signing material: %w", err)
		}
		if err := material.CheckValidity(time.Now()); err != nil {
			return fmt.Errorf("signing certificate rejected: %w", err)
		}

		opts := signing.Options{
			Reason:   cfg.Signing.Reason,
			Location: cfg.Signing.Location,
		}
		if cfg.Signing.Timestamp.Enabled {
			tsaClient, err := tsa.New(tsa.Options{
				URL:      cfg.Signing.Timestamp.TSAURL,
				Timeout:  secondsToDuration(cfg.Signing.Timestamp.TimeoutSeconds),
				User:     cfg.Signing.Timestamp.User,
				Password: cfg.Signing.Timestamp.Password.Value(),
				TrustEnv: cfg.Hardening.Transport.TrustEnv,
			})
			if err != nil {
				return fmt.Errorf("failed to build timestamp client: %w", err)
			}
			opts.Timestamper = tsaClient
			tsaUsed = true
		}

		signer := signing.NewSigner(material, opts)
		docSigner = signer
		logger.Info().Str("fingerprint", signer.Fingerprint()).Msg("Document signing enabled")
	}

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisOpts, err := redis.ParseURL(cfg.Workflow.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid workflow.redis_url: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()
	}

	store, err := buildHistoryStore(cfg, redisClient)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	deliveryTTL := time.Duration(cfg.Workflow.DeliveryIDTTLSeconds) * time.Second
	var deliveries idempotency.DeliveryRegistry
	switch cfg.Workflow.IdempotencyBackend {
	case "redis":
		deliveries = idempotency.NewRedisRegistry(redisClient, deliveryTTL)
	default:
		deliveries = idempotency.NewMemoryRegistry(deliveryTTL)
	}

	var locks processor.Locker
	var inFlight ingress.InFlightReporter
	if cfg.Workflow.ExecutionBackend == "redis_queue" {
		// Multiple consumers may hold the same ticket; the lock must be shared.
		locks = idempotency.NewRedisTicketLock(redisClient)
	} else {
		set := idempotency.NewInFlight()
		locks = processor.LocalLocker{Set: set}
		inFlight = set
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	proc, err := processor.New(processor.Options{
		Config:     cfg,
		TMS:        tmsClient,
		Renderer:   renderer,
		Signer:     docSigner,
		TSAUsed:    tsaUsed,
		Storage:    storage.NewWriter(cfg.Storage.Root, cfg.Storage.AtomicWrite, cfg.Storage.Fsync),
		Locks:      locks,
		Deliveries: deliveries,
		History:    store,
		Broker:     broker,
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to build processor: %w", err)
	}

	dispatcher, err := buildDispatcher(cfg, redisClient, proc.Process)
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}

	srv, err := ingress.NewServer(ingress.Options{
		Config:     cfg,
		Dispatcher: dispatcher,
		History:    store,
		Broker:     broker,
		InFlight:   inFlight,
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Stop accepting, finish in-flight HTTP, then drain the job queue.
	srv.BeginDrain()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Dispatcher shutdown incomplete")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Workflow.ExecutionBackend == "redis_queue" ||
		cfg.Workflow.IdempotencyBackend == "redis"
}

func buildHistoryStore(cfg *config.Config, redisClient *redis.Client) (history.Store, error) {
	if redisClient != nil {
		return history.NewRedisStore(redisClient, cfg.Workflow.HistoryStream, cfg.Workflow.HistoryMaxLen), nil
	}
	return history.NewBoltStore(cfg.DataDir, cfg.Workflow.HistoryMaxLen)
}

func buildDispatcher(cfg *config.Config, redisClient *redis.Client, handler dispatch.Handler) (dispatch.Dispatcher, error) {
	if cfg.Workflow.ExecutionBackend == "redis_queue" {
		queue, err := dispatch.NewRedisQueue(dispatch.RedisQueueOptions{
			Client:      redisClient,
			Stream:      cfg.Workflow.QueueStream,
			Group:       cfg.Workflow.QueueGroup,
			Consumer:    cfg.Workflow.QueueConsumer,
			DLQStream:   cfg.Workflow.QueueDLQStream,
			MaxAttempts: cfg.Workflow.QueueMaxAttempts,
			Backoff:     secondsToDuration(cfg.Workflow.QueueBackoffSeconds),
			Workers:     cfg.Workflow.MaxConcurrency,
		}, handler)
		if err != nil {
			return nil, err
		}
		if err := queue.Start(); err != nil {
			return nil, err
		}
		return queue, nil
	}
	return dispatch.NewPool(handler, cfg.Workflow.MaxConcurrency, cfg.Workflow.MaxConcurrency*4), nil
}

func logEvents(sub events.Subscriber) {
	for ev := range sub {
		ticketLogger := log.WithTicketID(ev.TicketID)
		ticketLogger.Debug().
			Str("type", string(ev.Type)).
			Str("delivery_id", ev.DeliveryID).
			Str("message", ev.Message).
			Msg("Job event")
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
