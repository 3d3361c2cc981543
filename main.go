package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"pawzap/config"
	"pawzap/internal/httpapi"
	"pawzap/internal/media"
	"pawzap/internal/pipeline"
	"pawzap/internal/push"
	"pawzap/internal/queue"
	"pawzap/internal/resilience"
	"pawzap/internal/router"
	"pawzap/internal/session"
	"pawzap/internal/store"
	"pawzap/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}

	var uploader *media.Uploader
	if cfg.S3Enabled {
		uploader, err = media.NewUploader(media.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize media uploader")
		}
		if err := uploader.TestConnection(ctx); err != nil {
			log.Warn().Err(err).Msg("S3 connection check failed, media uploads may not work")
		}
	}

	broker, err := queue.Connect(queue.Config{
		URL:            cfg.RabbitURL,
		QueuePrefix:    cfg.RabbitQueuePrefix,
		JobQueue:       cfg.JobQueue,
		MaxAttempts:    cfg.JobMaxAttempts,
		RetryBaseDelay: cfg.JobRetryBaseDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer broker.Close()

	pushManager := push.NewManager(st, broker)
	defer pushManager.Close()

	cipher, err := session.NewSessionCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("ENCRYPTION_KEY is required for session backups")
	}

	container, err := session.NewWhatsmeowContainer(ctx, st.DB(), cfg.DBDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize WhatsApp session container")
	}

	sink := func(ctx context.Context, orgID string, msg session.MessageEvent) error {
		return enqueueInbound(ctx, broker, uploader, orgID, msg)
	}

	sessions := session.NewManager(
		session.NewRegistry(),
		st,
		session.WhatsmeowFactory(container, cfg.QRInTerminal),
		pushManager,
		sink,
		cipher,
		session.ReconnectConfig{
			MaxAttempts:       cfg.ReconnectMaxAttempts,
			BaseDelay:         cfg.ReconnectBaseDelay,
			MaxDelay:          cfg.ReconnectMaxDelay,
			BackoffMultiplier: 2,
			ResetAfterSuccess: true,
		},
	)
	defer sessions.Close()

	breakerMode := resilience.ModeFailClosed
	if cfg.BreakerMode == "fail-open" {
		breakerMode = resilience.ModeFailOpen
	}
	newBreaker := func(name string) *resilience.CircuitBreaker {
		settings := resilience.DefaultSettings(name)
		settings.FailureThreshold = int64(cfg.BreakerThreshold)
		settings.OpenTimeout = cfg.BreakerTimeout
		settings.Mode = breakerMode
		return resilience.NewCircuitBreaker(settings)
	}
	dbBreaker := newBreaker("database")
	aiBreaker := newBreaker("ai")

	chatClient := pipeline.NewChatClient(cfg.AIBaseURL, cfg.AIAPIKey)
	operator := pipeline.NewOperator(chatClient, st, cfg.OwnerModel)
	customer := pipeline.NewCustomer(chatClient, st, cfg.CustomerModel)

	worker := router.NewWorker(st, router.NewClassifier(st), operator, customer, sessions, pushManager, dbBreaker, aiBreaker)

	pool, err := ants.NewPool(cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker pool")
	}
	defer pool.Release()

	go func() {
		if err := broker.Consume(ctx, pool, worker.Handle); err != nil {
			log.Error().Err(err).Msg("Queue consumer stopped")
		}
	}()

	scheduler := startScheduler(cfg, st, sessions, operator)
	defer scheduler.Stop()

	api := httpapi.NewServer(st, sessions, pushManager, broker, dbBreaker, aiBreaker)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
}

// enqueueInbound turns a transport message into a typed job. Attachments go
// to object storage first so the queue only carries a URL.
func enqueueInbound(ctx context.Context, broker *queue.Broker, uploader *media.Uploader, orgID string, msg session.MessageEvent) error {
	meta := router.MessageMeta{
		ExternalID: msg.ExternalID,
		FromJID:    msg.FromJID,
		FromNumber: msg.FromNumber,
		PushName:   msg.PushName,
		Timestamp:  msg.Timestamp,
	}

	var payload router.Payload
	if len(msg.MediaData) > 0 {
		mediaURL := ""
		if uploader != nil {
			result, err := uploader.Upload(ctx, orgID, msg.ExternalID, msg.MediaData, msg.MimeType)
			if err != nil {
				log.Warn().Err(err).Str("orgId", orgID).Str("externalId", msg.ExternalID).
					Msg("Media upload failed, queueing message without URL")
			} else {
				mediaURL = result.URL
			}
		}
		payload = router.MediaMessage{MessageMeta: meta, Caption: msg.Text, MimeType: msg.MimeType, MediaURL: mediaURL}
	} else {
		payload = router.TextMessage{MessageMeta: meta, Text: msg.Text}
	}

	job, err := router.NewJob(orgID, payload)
	if err != nil {
		return err
	}
	return broker.PublishJob(ctx, job)
}

// startScheduler runs the maintenance jobs: periodic session backups, backup
// retention pruning, and the nightly business summary sent to owner numbers.
func startScheduler(cfg *config.Config, st *store.Store, sessions *session.Manager, operator *pipeline.Operator) *cron.Cron {
	scheduler := cron.New()

	if _, err := scheduler.AddFunc(cfg.BackupCronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sessions.BackupAll(ctx)
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.BackupCronSpec).Msg("Invalid backup cron spec")
	}

	// Keep thirty days of backups, pruned once a day.
	if _, err := scheduler.AddFunc("30 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		pruned, err := st.PruneSessionBackups(ctx, time.Now().AddDate(0, 0, -30))
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune session backups")
			return
		}
		log.Info().Int64("pruned", pruned).Msg("Old session backups pruned")
	}); err != nil {
		log.Fatal().Err(err).Msg("Invalid prune cron spec")
	}

	if _, err := scheduler.AddFunc("0 20 * * *", func() {
		sendDailySummaries(st, sessions, operator)
	}); err != nil {
		log.Fatal().Err(err).Msg("Invalid summary cron spec")
	}

	scheduler.Start()
	return scheduler
}

// sendDailySummaries builds the day's numbers per organization and messages
// every registered owner number through its own session.
func sendDailySummaries(st *store.Store, sessions *session.Manager, operator *pipeline.Operator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	orgs, err := st.ListOrganizations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list organizations for daily summary")
		return
	}
	for _, org := range orgs {
		if status, err := sessions.Status(org.ID); err != nil || !status.Active() {
			continue
		}
		summary, err := operator.BuildDailySummary(ctx, org.ID)
		if err != nil {
			log.Warn().Err(err).Str("orgId", org.ID).Msg("Failed to build daily summary")
			continue
		}
		owners, err := st.ListOwnerNumbers(ctx, org.ID)
		if err != nil {
			log.Warn().Err(err).Str("orgId", org.ID).Msg("Failed to list owner numbers")
			continue
		}
		for _, number := range owners {
			if _, err := sessions.SendText(ctx, org.ID, number, summary); err != nil {
				log.Warn().Err(err).Str("orgId", org.ID).Str("number", number).
					Msg("Failed to deliver daily summary")
			}
		}
	}
}
