package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stratoline/devicelink/internal/simulator"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Devicelink Simulator", "version", AppVersion)

	sim, err := simulator.New(simulator.Config{
		TokenTTL:   time.Duration(config.Simulator.TokenTTLSeconds) * time.Second,
		SkewWindow: time.Duration(config.Simulator.SkewWindowSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("Failed to start simulator", "error", err)
		os.Exit(1)
	}

	for _, seed := range config.Simulator.Devices {
		if err := sim.RegisterDevice(seed.ActivationID, seed.SharedSecret); err != nil {
			slog.Error("Failed to register device", "activation_id", seed.ActivationID, "error", err)
			os.Exit(1)
		}
	}

	if config.Simulator.TrustAnchorFile != "" {
		if err := os.WriteFile(config.Simulator.TrustAnchorFile, sim.TrustAnchorPEM(), 0644); err != nil {
			slog.Error("Failed to write trust anchor", "path", config.Simulator.TrustAnchorFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Trust anchor written", "path", config.Simulator.TrustAnchorFile)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	sim.Attach(engine)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
