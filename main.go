package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion/pkg/config"
	"companion/pkg/host"
	_ "companion/pkg/llm/autoload" // 自動註冊 LLM Providers
	"companion/pkg/monitor"
	_ "companion/pkg/plugins/autoload" // 自動註冊 Plugins
)

func main() {
	monitor.PrintBanner()

	// --- 0. 讀取設定檔 ---
	app, system, err := config.Load()
	if err != nil {
		monitor.SetupSlog("info")
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	monitor.SetupSlog(system.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 1. Host 初始化（使用 Builder 模式）---
	h, err := host.NewBuilder().
		WithConfig(app).
		WithSystemConfig(system).
		WithMonitor(monitor.NewCLIMonitor()).
		Build(ctx)
	if err != nil {
		slog.Error("Failed to build host", "error", err)
		os.Exit(1)
	}

	// --- 2. 設定檔熱更新 ---
	changes := config.WatchConfig(ctx, 0, config.AppConfigFile, config.SystemConfigFile)
	go func() {
		for file := range changes {
			slog.Info("Configuration changed", "file", file)
			app, system, err := config.LoadFrom(config.AppConfigFile, config.SystemConfigFile)
			if err != nil {
				slog.Error("Ignoring invalid configuration", "error", err)
				continue
			}
			monitor.SetupSlog(system.LogLevel)
			if err := h.Reload(ctx, app, system); err != nil {
				slog.Error("Reload failed", "error", err)
			}
		}
	}()

	// 監聽系統信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("Received shutdown signal. Stopping services...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := h.Stop(stopCtx); err != nil {
		slog.Error("Shutdown finished with errors", "error", err)
	}
	slog.Info("Bye!")
}
