package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/stratoline/devicelink/internal/activation"
	"github.com/stratoline/devicelink/internal/channel"
	"github.com/stratoline/devicelink/internal/dispatch"
	"github.com/stratoline/devicelink/internal/message"
	"github.com/stratoline/devicelink/internal/persist"
	"github.com/stratoline/devicelink/internal/routing"
	"github.com/stratoline/devicelink/internal/trust"
)

var AppVersion string

const telemetryFormat = "urn:stratoline:devicelink:telemetry"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "provision" {
		if err := runProvision(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("Devicelink Agent", "version", AppVersion)

	vault, err := trust.Open(config.Vault.File, config.Vault.Password)
	if err != nil {
		slog.Error("Failed to open vault", "error", err, "file", config.Vault.File)
		os.Exit(1)
	}

	ch := channel.New(vault)
	defer ch.Close()

	if !vault.Activated() {
		slog.Info("Device not yet activated, starting activation")
		proto := activation.New(vault, ch)
		actCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := proto.Activate(actCtx, config.Agent.DeviceModels...)
		cancel()
		if err != nil {
			slog.Error("Activation failed", "error", err)
			os.Exit(1)
		}
		if err := saveEndpointIDToConfig(vault.EndpointID()); err != nil {
			slog.Warn("Could not record endpoint id in config", "error", err)
		} else {
			slog.Info("Endpoint ID persisted to config", "config_path", configPath)
		}
	}

	endpointID := vault.EndpointID()

	var store *persist.Store
	if config.Agent.StoreFile != "" {
		store, err = persist.Open(config.Agent.StoreFile)
		if err != nil {
			slog.Error("Failed to open message store", "error", err, "file", config.Agent.StoreFile)
			os.Exit(1)
		}
		defer store.Close()
	}

	started := time.Now()

	router := routing.NewRouter()
	router.Register(endpointID, "/device/info", func(req routing.Request) routing.Response {
		body, _ := json.Marshal(map[string]interface{}{
			"endpointId": endpointID,
			"version":    AppVersion,
			"uptime":     time.Since(started).String(),
		})
		return routing.Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       string(body),
		}
	})

	engine, err := dispatch.NewEngine(ch, dispatch.Config{
		EndpointID:  endpointID,
		BatchSize:   config.Agent.BatchSize,
		Store:       store,
		Router:      router,
		PollTimeout: time.Duration(config.Agent.PollSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	go func() {
		for ev := range engine.Events() {
			switch ev.Kind {
			case dispatch.EventDelivered:
				slog.Debug("Telemetry delivered", "count", len(ev.Messages))
			case dispatch.EventDeliveryFailed:
				slog.Warn("Telemetry delivery failed", "count", len(ev.Messages), "error", ev.Err)
			}
		}
	}()

	interval := time.Duration(config.Agent.TelemetrySeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("Agent running", "endpoint_id", endpointID, "interval", interval.String())

	seq := 0
	for {
		select {
		case <-ticker.C:
			seq++
			msg := message.NewData(endpointID, telemetryFormat).
				DataItem("seq", seq).
				DataItem("memAllocKb", memAllocKB()).
				DataItem("goroutines", runtime.NumGoroutine()).
				Build()
			if err := engine.Queue(msg); err != nil {
				slog.Error("Failed to queue telemetry", "error", err)
			}
		case sig := <-quit:
			slog.Info("Received shutdown signal", "signal", sig)
			slog.Info("Shutting down agent...")
			if err := engine.Close(); err != nil {
				slog.Error("Dispatcher shutdown error", "error", err)
			}
			slog.Info("Shutdown complete")
			return
		}
	}
}

func memAllocKB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc / 1024
}
