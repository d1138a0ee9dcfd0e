// Package migrations 嵌入並執行 quiz_rooms / players 的資料庫遷移
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion 目前程式碼預期的 schema 版本
const SchemaVersion uint = 1

// 命令列 -migrate 支援的指令
const (
	CommandUp      = "up"
	CommandDown    = "down"
	CommandVersion = "version"
)

// Status schema 狀態；Version 為 0 表示尚未套用任何遷移
type Status struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// Current 是否與 SchemaVersion 一致
func (s Status) Current() bool {
	return !s.Dirty && s.Version == SchemaVersion
}

// Migrator 管理測驗房間 schema 的遷移
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 建立遷移管理器；databaseURL 需為 postgres:// 格式
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Run 執行 -migrate 指令並返回執行後的狀態
func (m *Migrator) Run(command string) (Status, error) {
	var err error
	switch command {
	case CommandUp:
		err = m.Up()
	case CommandDown:
		err = m.Down()
	case CommandVersion:
	default:
		return Status{}, fmt.Errorf("未知的遷移指令 %q (up, down, version)", command)
	}
	if err != nil {
		return Status{}, err
	}
	return m.Status()
}

// Status 讀取目前 schema 版本
func (m *Migrator) Status() (Status, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("獲取當前版本失敗: %w", err)
	}
	return Status{Version: version, Dirty: dirty}, nil
}

// Up 套用所有待處理的遷移；髒狀態會先強制回到記錄的版本
func (m *Migrator) Up() error {
	before, err := m.Status()
	if err != nil {
		return err
	}
	if before.Dirty {
		if err := m.repair(before.Version); err != nil {
			return err
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema 已是最新版本", "version", before.Version)
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	after, _ := m.Status()
	m.logger.Info("schema 遷移完成", "from", before.Version, "to", after.Version)
	return nil
}

// Down 回滾一個版本；版本 1 回滾後 players 與 quiz_rooms 都會被刪除
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return fmt.Errorf("回滾失敗: %w", err)
	}

	after, _ := m.Status()
	m.logger.Warn("schema 已回滾", "current_version", after.Version)
	return nil
}

func (m *Migrator) repair(version uint) error {
	m.logger.Warn("schema 處於髒狀態，強制回到記錄的版本", "version", version)

	const maxInt = int(^uint(0) >> 1)
	if version > uint(maxInt) {
		return fmt.Errorf("版本號超出範圍: %d", version)
	}
	if err := m.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("修復髒狀態失敗: %w", err)
	}
	return nil
}

// Close 關閉遷移來源與資料庫連線
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
