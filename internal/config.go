package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"` // 空白表示不檢查 Origin
	} `yaml:"server"`

	Store struct {
		Driver string `yaml:"driver"` // postgres 或 memory
	} `yaml:"store"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		ScoreTTL time.Duration `yaml:"score_ttl"` // 分數鏡像的存活時間
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"` // 空白表示不發布房間事件
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Room struct {
		ReapInterval  time.Duration `yaml:"reap_interval"`  // 空房間掃描間隔
		IdleAfter     time.Duration `yaml:"idle_after"`     // 無人連線多久後可回收
		RecordTTL     time.Duration `yaml:"record_ttl"`     // 持久化紀錄的保存期限
		PurgeInterval time.Duration `yaml:"purge_interval"` // 過期紀錄清理間隔
	} `yaml:"room"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Store.Driver = "postgres"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "quiz"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ScoreTTL = 24 * time.Hour

	cfg.NATS.SubjectPrefix = "quiz.rooms"

	cfg.Room.ReapInterval = 5 * time.Minute
	cfg.Room.IdleAfter = 5 * time.Minute
	cfg.Room.RecordTTL = 24 * time.Hour
	cfg.Room.PurgeInterval = 10 * time.Minute

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// LoadConfig 從 YAML 檔案載入配置（未設定的欄位保留預設值）
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// #nosec G304 - path 來自命令列參數
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver))
	}

	if c.Room.ReapInterval <= 0 {
		errs = append(errs, errors.New("room.reap_interval must be positive"))
	}
	if c.Room.IdleAfter < 0 {
		errs = append(errs, errors.New("room.idle_after must not be negative"))
	}
	if c.Room.RecordTTL <= 0 || c.Room.PurgeInterval <= 0 {
		errs = append(errs, errors.New("room.record_ttl and room.purge_interval must be positive"))
	}

	return errors.Join(errs...)
}

// PostgresURL 生成 PostgreSQL 連線 URL（pgxpool 與 golang-migrate 共用）
func (c *Config) PostgresURL() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	sslMode := c.Postgres.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     c.Postgres.DBName,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}
