package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"
	"TopicToSlides-server/routers"
	"TopicToSlides-server/routers/api"
	"TopicToSlides-server/service"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgSvc, err := config.NewService(envOr("CONFIG_PATH", "config/config.yaml"), envOr("ENV_PATH", ".env"))
	if err != nil {
		panic(err)
	}
	cfg := cfgSvc.Current()

	log, err := logger.New(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if cfg.Server.Mode == "prod" || cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info("Server starting", "port", cfg.Server.Port)

	db, err := models.Open(cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		log.Fatal("Database init failed", "error", err)
	}
	store := models.NewStore(db)
	log.Info("Database initialized", "dialect", cfg.Database.Dialect)

	// 生成流水线
	gateway := service.NewGateway(log)
	searx := service.NewSearxngClient(cfgSvc, log)
	enricher := service.NewImageEnricher(searx, gateway, cfgSvc, log)
	slides := service.NewSlideGenerator(gateway, cfgSvc, log)
	seq := service.NewChapterSequencer(store, slides, enricher, cfgSvc, log)
	outline := service.NewOutlineGenerator(gateway, cfgSvc, log)
	orch := service.NewOrchestrator(store, outline, slides, seq, cfgSvc, log)

	// 导出
	renderer := service.NewChromeRenderer(log)
	defer renderer.Close()
	var artifacts service.ArtifactStore
	minioStore, err := service.NewMinioStore(cfg, log)
	if err != nil {
		log.Warn("MinIO init failed, fallback to local files", "error", err)
	} else if minioStore != nil {
		artifacts = minioStore
		log.Info("MinIO initialized", "bucket", cfg.MinIO.Bucket)
	}
	exporter := service.NewExporter(store, renderer, service.PDFCPUMerger{}, service.NewCommandConverter(cfgSvc, log), artifacts, cfgSvc, log)

	queue := service.NewQueue(cfg, log)
	defer queue.Close()
	log.Info("Queue initialized", "redis", cfg.Redis.Addr)

	processor := service.NewProcessor(store, orch, exporter, log)
	processor.Start(cfg)
	defer processor.Shutdown()

	h := api.NewHandler(store, queue, cfgSvc, service.NewSettingsTester(gateway, searx, cfgSvc, log), log)
	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: routers.InitRouter(h, cfg.Generation.DataDir),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
