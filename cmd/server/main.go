package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "YAML 設定檔路徑")
		port       = flag.Int("port", 8080, "服務器端口")
		logLevel   = flag.String("log-level", "info", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "text", "日誌格式 (text, json)")
		driver     = flag.String("storage", "file", "儲存後端 (file, badger, redis)")
		dataDir    = flag.String("data-dir", "./data", "檔案儲存的資料目錄")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 明確指定的旗標優先於設定檔與環境變數
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "storage":
			cfg.Storage.Driver = *driver
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg internal.Config, logger *slog.Logger) error {
	ctx := context.Background()

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	retry := cfg.Retry()
	registry := internal.NewRegistry(logger)
	profiles := internal.NewProfiles(st)
	campaigns := internal.NewCampaignService(st, retry, logger)
	manager := internal.NewManager(st, campaigns, profiles, cfg.Manager(), logger)
	snapshots := internal.NewSnapshotter(manager, campaigns, profiles, logger)
	gateway := internal.NewGateway(manager, snapshots, registry, cfg.Gateway(), logger)
	handler := internal.NewHandler(manager, campaigns, snapshots, gateway, registry, logger)

	// 設置路由
	mux := handler.Routes()
	mux.HandleFunc("GET /ws/rooms/{room_code}/{user_code}", gateway.ServeWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("房間協調服務器啟動",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉...", "signal", sig.String())
	case err, ok := <-serverErr:
		if ok && err != nil {
			st.Close()
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// 關閉順序：HTTP → 閘道（關閉連線）→ 註冊中心 → 儲存
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}
	if err := gateway.Stop(shutdownCtx); err != nil {
		logger.Error("WebSocket 閘道關閉逾時", "error", err)
	}
	registry.Close()
	if err := st.Close(); err != nil {
		logger.Error("關閉儲存失敗", "error", err)
	}

	logger.Info("服務器已關閉")
	return nil
}

// openStore 依設定開啟儲存後端
func openStore(ctx context.Context, cfg internal.StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "badger":
		return store.OpenBadgerStore(cfg.BadgerDir, cfg.LockTimeout)
	case "redis":
		return store.OpenRedisStore(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisNamespace, cfg.LockTimeout)
	default:
		return store.NewFileStore(cfg.DataDir, cfg.LockTimeout, logger)
	}
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     internal.ParseLogLevel(level),
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
