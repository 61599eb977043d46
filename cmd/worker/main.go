package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/ocrflow/internal/audit"
	"github.com/you/ocrflow/internal/config"
	"github.com/you/ocrflow/internal/queue"
	"github.com/you/ocrflow/internal/recovery"
	"github.com/you/ocrflow/internal/webhook"
	"github.com/you/ocrflow/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb, log)
	q.SetResultTTL(cfg.ResultTTL)
	if err := q.Ping(ctx); err != nil {
		log.Fatal("redis unreachable", zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	engine := recovery.NewEngine(q, log, cfg.MaxRetries)
	detector := recovery.NewDetector(q, log)

	var wh *webhook.Client
	if cfg.BackendURL != "" && cfg.WebhookSecret != "" {
		wh, err = webhook.NewClient(cfg.BackendURL, cfg.WebhookSecret, cfg.WebhookMaxRetries, cfg.WebhookTimeout, log)
		if err != nil {
			log.Fatal("bad webhook configuration", zap.Error(err))
		}
		defer wh.Close()
		log.Info("webhook client initialized", zap.String("backend", cfg.BackendURL))
	} else {
		log.Warn("webhook client not configured, notifications disabled")
	}

	var trail *audit.Trail
	if cfg.PostgresDSN != "" {
		trail, err = audit.Open(ctx, cfg.PostgresDSN, log)
		if err != nil {
			log.Fatal("audit trail unavailable", zap.Error(err))
		}
		defer trail.Close()
	}

	w := worker.New(q, engine, wh, newPipeline(), log, cfg.PollInterval)
	w.SetAudit(trail)

	c := cron.New()
	c.AddFunc(cfg.StuckSweepSpec, func() {
		stuck, err := detector.FindStuck(ctx, cfg.StuckTimeout, cfg.StuckAlertThreshold)
		if err != nil {
			log.Error("stuck task sweep failed", zap.Error(err))
			return
		}
		if !cfg.StuckAutoRetry {
			return
		}
		// Remediation stays an explicit engine call; the detector only reads.
		for _, taskID := range stuck {
			if _, err := engine.Retry(ctx, taskID); err != nil {
				log.Error("stuck task retry failed", zap.String("task_id", taskID), zap.Error(err))
			}
		}
	})
	c.AddFunc(cfg.CleanupSweepSpec, func() {
		cutoff := time.Now().UTC().Add(-cfg.Retention)
		if _, err := q.CleanupOldCompleted(ctx, cutoff, false); err != nil {
			log.Error("retention cleanup failed", zap.Error(err))
		}
	})
	c.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })

	// Run finishes the in-flight task before returning, so the store must
	// stay open until Wait unblocks.
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("worker exited", zap.Error(err))
		<-c.Stop().Done()
		q.Close()
		os.Exit(1)
	}
	<-c.Stop().Done()
	if err := q.Close(); err != nil {
		log.Error("redis close failed", zap.Error(err))
	}
	log.Info("worker shutdown complete")
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if strings.EqualFold(appEnv, "prod") {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// newPipeline wires the external processing stages. The plain-text stand-ins
// below let the orchestrator run end to end without the OCR toolchain; real
// deployments swap in the document and OCR services here.
func newPipeline() worker.Pipeline {
	return worker.Pipeline{
		Converter: plainConverter{},
		OCR:       plainText{},
	}
}

type plainConverter struct{}

func (plainConverter) ConvertToImages(_ context.Context, fileRef string) ([]worker.Page, error) {
	raw, err := os.ReadFile(fileRef)
	if err != nil {
		return nil, err
	}
	return []worker.Page{raw}, nil
}

type plainText struct{}

func (plainText) ExtractText(_ context.Context, page worker.Page, _ string) (string, float64, error) {
	return string(page), 100, nil
}
