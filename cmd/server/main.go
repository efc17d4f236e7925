package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osintops/dragnet/internal/api"
	"github.com/osintops/dragnet/internal/config"
	"github.com/osintops/dragnet/internal/engine"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage/pg"
	"github.com/osintops/dragnet/internal/streamhub"
	"github.com/osintops/dragnet/internal/telegram"
)

func main() {
	config.LoadConfig()
	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := pg.New(db, log, pg.Options{
		FTSLanguage:       config.AppConfig.SearchFTSLanguage,
		FallbackSubstring: config.AppConfig.SearchFallbackToSubstring,
		LogSearchFailures: config.AppConfig.SearchLogFailures,
	})

	dialer := telegram.NewGotdDialer(telegram.GotdOptions{
		APIID:       config.AppConfig.TelegramAPIID,
		APIHash:     config.AppConfig.TelegramAPIHash,
		SessionRoot: config.AppConfig.SessionRoot,
		EventBuffer: config.AppConfig.SessionEventBuffer,
		Logger:      log,
	})

	eng, err := engine.New(store, dialer, log, config.AppConfig)
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(context.Background()); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	hub := streamhub.New(eng.Bus, log)
	router := api.NewRouter(eng, hub, log, config.AppConfig.CORSAllowedOrigins)

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", "port", config.AppConfig.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	hub.Close()
	eng.Shutdown()
	log.Info("server exited")
}
