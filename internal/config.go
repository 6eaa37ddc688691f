package internal

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 服務設定
//
// 載入順序：預設值 → YAML 檔 → .env 與環境變數（SESSIOND_*）→ 命令列旗標 → 驗證。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Room      RoomConfig      `yaml:"room"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 伺服器設定
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig 儲存後端設定
type StorageConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=file badger redis"`
	DataDir        string        `yaml:"data_dir" validate:"required_if=Driver file"`
	BadgerDir      string        `yaml:"badger_dir"` // 空字串 = 記憶體模式
	RedisAddr      string        `yaml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db" validate:"min=0"`
	RedisNamespace string        `yaml:"redis_namespace" validate:"required_if=Driver redis"`
	LockTimeout    time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	Retries        int           `yaml:"retries" validate:"min=0,max=20"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" validate:"min=0"`
}

// RoomConfig 房間代碼設定
type RoomConfig struct {
	CodeLength      int `yaml:"code_length" validate:"min=4,max=12"`
	MaxCodeAttempts int `yaml:"max_code_attempts" validate:"min=1"`
}

// WebSocketConfig 心跳與緩衝設定
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	PongWait       time.Duration `yaml:"pong_wait" validate:"gtfield=PingInterval"`
	WriteWait      time.Duration `yaml:"write_wait" validate:"gt=0"`
	SendBuffer     int           `yaml:"send_buffer" validate:"min=1"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"min=128"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	ws := DefaultGatewayConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:         "file",
			DataDir:        "./data",
			RedisAddr:      "localhost:6379",
			RedisNamespace: "sessiond",
			LockTimeout:    2 * time.Second,
			Retries:        3,
			RetryBackoff:   20 * time.Millisecond,
		},
		Room: RoomConfig{
			CodeLength:      4,
			MaxCodeAttempts: 32,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   ws.PingInterval,
			PongWait:       ws.PongWait,
			WriteWait:      ws.WriteWait,
			SendBuffer:     ws.SendBuffer,
			MaxMessageSize: ws.MaxMessageSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 預設值 + YAML 檔（path 為空時略過）
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// envOverrides 環境變數覆寫；只有設定了的變數會是非 nil
type envOverrides struct {
	Port           *int           `env:"SESSIOND_PORT"`
	StorageDriver  *string        `env:"SESSIOND_STORAGE_DRIVER"`
	DataDir        *string        `env:"SESSIOND_DATA_DIR"`
	BadgerDir      *string        `env:"SESSIOND_BADGER_DIR"`
	RedisAddr      *string        `env:"SESSIOND_REDIS_ADDR"`
	RedisPassword  *string        `env:"SESSIOND_REDIS_PASSWORD"`
	RedisDB        *int           `env:"SESSIOND_REDIS_DB"`
	RedisNamespace *string        `env:"SESSIOND_REDIS_NAMESPACE"`
	LockTimeout    *time.Duration `env:"SESSIOND_LOCK_TIMEOUT"`
	Retries        *int           `env:"SESSIOND_STORAGE_RETRIES"`
	CodeLength     *int           `env:"SESSIOND_ROOM_CODE_LENGTH"`
	PingInterval   *time.Duration `env:"SESSIOND_WS_PING_INTERVAL"`
	PongWait       *time.Duration `env:"SESSIOND_WS_PONG_WAIT"`
	LogLevel       *string        `env:"SESSIOND_LOG_LEVEL"`
	LogFormat      *string        `env:"SESSIOND_LOG_FORMAT"`
}

// ApplyEnv 讀取 .env（若存在）後套用 SESSIOND_* 環境變數
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	setIf(&c.Server.Port, o.Port)
	setIf(&c.Storage.Driver, o.StorageDriver)
	setIf(&c.Storage.DataDir, o.DataDir)
	setIf(&c.Storage.BadgerDir, o.BadgerDir)
	setIf(&c.Storage.RedisAddr, o.RedisAddr)
	setIf(&c.Storage.RedisPassword, o.RedisPassword)
	setIf(&c.Storage.RedisDB, o.RedisDB)
	setIf(&c.Storage.RedisNamespace, o.RedisNamespace)
	setIf(&c.Storage.LockTimeout, o.LockTimeout)
	setIf(&c.Storage.Retries, o.Retries)
	setIf(&c.Room.CodeLength, o.CodeLength)
	setIf(&c.WebSocket.PingInterval, o.PingInterval)
	setIf(&c.WebSocket.PongWait, o.PongWait)
	setIf(&c.Log.Level, o.LogLevel)
	setIf(&c.Log.Format, o.LogFormat)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Retry 由儲存設定組出的重試策略
func (c *Config) Retry() RetryPolicy {
	return RetryPolicy{Attempts: c.Storage.Retries, Backoff: c.Storage.RetryBackoff}
}

// Gateway WebSocket 參數
func (c *Config) Gateway() GatewayConfig {
	return GatewayConfig{
		PingInterval:   c.WebSocket.PingInterval,
		PongWait:       c.WebSocket.PongWait,
		WriteWait:      c.WebSocket.WriteWait,
		SendBuffer:     c.WebSocket.SendBuffer,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
	}
}

// Manager 房間管理器參數
func (c *Config) Manager() ManagerConfig {
	return ManagerConfig{
		CodeLength:      c.Room.CodeLength,
		MaxCodeAttempts: c.Room.MaxCodeAttempts,
		Retry:           c.Retry(),
	}
}

// ParseLogLevel 將字串轉為 slog.Level，未知值視為 info
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
