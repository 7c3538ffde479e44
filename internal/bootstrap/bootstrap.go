// Package bootstrap provides dependency initialization for the
// transcription pipeline: config in, a fully wired Stage Runner and
// HTTP router out.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/redis/go-redis/v9"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/config"
	"github.com/kdelacruz/transcribepipe/internal/jobid"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/output"
	"github.com/kdelacruz/transcribepipe/internal/prober"
	"github.com/kdelacruz/transcribepipe/internal/recognizer"
	"github.com/kdelacruz/transcribepipe/internal/segment"
	"github.com/kdelacruz/transcribepipe/internal/server"
	"github.com/kdelacruz/transcribepipe/internal/transcode"
	"github.com/kdelacruz/transcribepipe/internal/upload"
	"github.com/kdelacruz/transcribepipe/internal/webhook"
	"github.com/kdelacruz/transcribepipe/internal/worker"
)

// Dependencies holds every initialized component the HTTP server and
// the Stage Runner need to operate.
type Dependencies struct {
	Jobs     jobstore.Repository
	Blobs    blob.Store
	Handlers *server.Handlers
	Runner   *worker.Runner
	WorkerID string
}

// NewDependencies creates and wires all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initBlobStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	repo, err := initJobStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	recognizerClient, err := recognizer.NewHTTPClient(
		cfg.RecognizerEndpoint,
		recognizer.WithAPIKey(cfg.RecognizerAPIKey),
		recognizer.WithMaxRetries(cfg.RecognizerRetryMax),
		recognizer.WithBaseBackoff(cfg.RecognizerRetryBase()),
	)
	if err != nil {
		return nil, fmt.Errorf("create recognizer client: %w", err)
	}
	logger.Info("recognizer client initialized",
		slog.String("endpoint", cfg.RecognizerEndpoint),
		slog.Bool("api_key_set", cfg.RecognizerAPIKey != ""),
	)

	ffmpegPath, ffErr := exec.LookPath("ffmpeg")
	if ffErr != nil {
		logger.Warn("ffmpeg not found in PATH; media stages may fail")
		ffmpegPath = "ffmpeg"
	}
	ffprobePath, ffpErr := exec.LookPath("ffprobe")
	if ffpErr != nil {
		logger.Warn("ffprobe not found in PATH; validation stage may fail")
		ffprobePath = "ffprobe"
	}

	prb := prober.New(ffprobePath)
	transcoder := transcode.New(ffmpegPath)
	segmenter := segment.New(ffmpegPath)
	outputs := output.New(store)

	webhookRegistry := webhook.NewMemoryRegistry()

	var dispatcher *webhook.Dispatcher
	if cfg.EnableWebhooks {
		dispatcher = webhook.NewDispatcher(webhookRegistry)
		logger.Info("webhook dispatch enabled")
	}

	uploads := upload.New(repo, store, store, cfg.MaxUploadBytes, cfg.ChunkSizeBytes)

	handlers := server.NewHandlers(
		uploads,
		repo,
		store,
		webhookRegistry,
		cfg.PresignedURLTTL(),
		cfg.SessionTTL(),
		logger,
	)

	runnerDeps := worker.Deps{
		Jobs:                      repo,
		Blobs:                     store,
		Prober:                    prb,
		Transcoder:                transcoder,
		Segmenter:                 segmenter,
		Recognizer:                recognizerClient,
		Diarizer:                  worker.NewNoopDiarizer(),
		Outputs:                   outputs,
		Webhooks:                  dispatcher,
		Logger:                    logger,
		TempDir:                   cfg.TempDir,
		SegmentDurationSec:        cfg.SegmentDurationSec,
		SegmentOverlapSec:         cfg.SegmentOverlapSec,
		MaxDurationSec:            cfg.MaxDuration().Seconds(),
		RecognizerDefaultLanguage: cfg.RecognizerDefaultLang,
		RecognizerPacing:          cfg.RecognizerPacing(),
		EnableWebhooks:            cfg.EnableWebhooks,
	}

	workerID := jobid.NewJob()
	runner := worker.NewRunner(runnerDeps, workerID, cfg.WorkerConcurrency, cfg.LeaseSeconds, cfg.Heartbeat())

	return &Dependencies{
		Jobs:     repo,
		Blobs:    store,
		Handlers: handlers,
		Runner:   runner,
		WorkerID: workerID,
	}, nil
}

// initBlobStore creates the appropriate blob store backend based on configuration.
func initBlobStore(cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	if cfg.S3Enabled() {
		s3Store, err := blob.NewS3Store(context.Background(), blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 blob store: %w", err)
		}
		logger.Info("S3 blob store configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := blob.NewLocalStore(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local blob store: %w", err)
	}
	logger.Info("local blob store configured", slog.String("temp_dir", cfg.TempDir))
	return localStore, nil
}

// initJobStore creates the configured Job Store Repository backend.
// Postgres takes priority over Redis when both are configured, since
// Postgres is the durable system of record and Redis is only the
// lease/CAS fast path; with neither configured it falls back to the
// in-memory store (tests/dev only, not durable across restarts).
func initJobStore(cfg *config.Config, logger *slog.Logger) (jobstore.Repository, error) {
	if cfg.PostgresEnabled() {
		repo, err := jobstore.NewPostgresRepository(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("create postgres job store: %w", err)
		}
		logger.Info("postgres job store configured")
		return repo, nil
	}

	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("ping redis job store: %w", err)
		}
		logger.Info("redis job store configured", slog.String("addr", cfg.RedisAddr))
		return jobstore.NewRedisRepository(rdb), nil
	}

	logger.Warn("no durable job store configured (POSTGRES_DSN/REDIS_ADDR unset); using in-memory store")
	return jobstore.NewMemoryRepository(), nil
}
