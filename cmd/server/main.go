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
	"time"

	"github.com/koopa0/quiz-room/internal"
	"github.com/koopa0/quiz-room/internal/migrations"
	"github.com/koopa0/quiz-room/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（空白使用預設值）")
		port       = flag.Int("port", 0, "服務器端口（覆寫配置檔）")
		driver     = flag.String("store", "", "持久層 (postgres, memory)")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		migrateCmd = flag.String("migrate", "", "只執行資料庫遷移後結束 (up, down, version)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置無效: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "建立日誌失敗: %v\n", err)
		os.Exit(1)
	}

	if *migrateCmd != "" {
		if err := runMigration(cfg, *migrateCmd, log); err != nil {
			log.Error("資料庫遷移失敗", "command", *migrateCmd, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*internal.Config, error) {
	if path == "" {
		return internal.DefaultConfig(), nil
	}
	return internal.LoadConfig(path)
}

// runMigration 執行單一遷移指令並輸出 schema 狀態
func runMigration(cfg *internal.Config, command string, log *slog.Logger) error {
	migrator, err := migrations.New(cfg.PostgresURL(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			log.Warn("關閉遷移管理器失敗", "error", err)
		}
	}()

	status, err := migrator.Run(command)
	if err != nil {
		return err
	}
	log.Info("schema 狀態",
		"version", status.Version,
		"dirty", status.Dirty,
		"expected", migrations.SchemaVersion,
		"current", status.Current())
	return nil
}

func run(cfg *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 持久層
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := internal.NewRegistry()
	hub := internal.NewWebSocketHub(log, cfg.Server.AllowedOrigins)

	var opts []internal.SessionOption

	// 分數鏡像（可選）
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer func() { _ = client.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, internal.WithScoreCache(internal.NewRedisScoreCache(client, cfg.Redis.ScoreTTL, log)))
		log.Info("分數鏡像已啟用", "addr", cfg.Redis.Addr)
	}

	// 房間事件發布（可選）
	if cfg.NATS.URL != "" {
		nc, err := internal.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		hub.SetPublisher(internal.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, log))
		log.Info("房間事件發布已啟用", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	sessions := internal.NewSessionManager(store, registry, hub, log, opts...)
	hub.SetHandler(internal.NewDispatcher(sessions, log))

	reaper := internal.NewReaper(registry, cfg.Room.ReapInterval, cfg.Room.IdleAfter, log)
	reaper.Start()
	defer reaper.Stop()

	janitor := internal.NewJanitor(store, cfg.Room.RecordTTL, cfg.Room.PurgeInterval, log)
	janitor.Start()
	defer janitor.Stop()

	handler := internal.NewHandler(sessions, store, registry, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("測驗房間服務器啟動",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"log_level", cfg.Log.Level)

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
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket 連線
	hub.Stop()

	log.Info("服務器已關閉")
	return nil
}

// openStore 依配置建立持久層；postgres 模式會先執行遷移
func openStore(ctx context.Context, cfg *internal.Config, log *slog.Logger) (internal.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("使用記憶體持久層，重啟後資料會遺失")
		return internal.NewMemoryStore(), func() {}, nil
	}

	migrator, err := migrations.New(cfg.PostgresURL(), log)
	if err != nil {
		return nil, nil, err
	}
	status, err := migrator.Run(migrations.CommandUp)
	if err != nil {
		_ = migrator.Close()
		return nil, nil, err
	}
	if !status.Current() {
		log.Warn("schema 版本與程式不符", "version", status.Version, "expected", migrations.SchemaVersion)
	}
	if err := migrator.Close(); err != nil {
		log.Warn("關閉遷移管理器失敗", "error", err)
	}

	pool, err := internal.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("已連接 PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.DBName)

	return internal.NewPostgresStore(pool, log), pool.Close, nil
}
