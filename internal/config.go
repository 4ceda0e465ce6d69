package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Game      GameConfig      `yaml:"game"`
	Session   SessionConfig   `yaml:"session"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服務器配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GameConfig 遊戲規則參數
type GameConfig struct {
	SpawnCount       int           `yaml:"spawn_count"`
	RespawnDelay     time.Duration `yaml:"respawn_delay"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	MaxTimerDuration int           `yaml:"max_timer_duration"` // 秒
}

// SessionConfig 斷線與房間回收
type SessionConfig struct {
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	CleanupGrace    time.Duration `yaml:"cleanup_grace"`
	RoomIdleTTL     time.Duration `yaml:"room_idle_ttl"`
	RoomMaxAge      time.Duration `yaml:"room_max_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// WebSocketConfig 連線參數
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	MessageRate     float64       `yaml:"message_rate"`  // 每秒允許的 player-move 數
	MessageBurst    int           `yaml:"message_burst"` // 突發上限
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Game: GameConfig{
			SpawnCount:       DefaultSpawnCount,
			RespawnDelay:     5 * time.Second,
			TickInterval:     time.Second,
			MaxTimerDuration: 3600,
		},
		Session: SessionConfig{
			DisconnectGrace: 30 * time.Second,
			CleanupGrace:    5 * time.Second,
			RoomIdleTTL:     10 * time.Minute,
			RoomMaxAge:      2 * time.Hour,
			SweepInterval:   time.Minute,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBuffer:      256,
			PingPeriod:      54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageSize:  4096,
			MessageRate:     60,
			MessageBurst:    120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 讀取 YAML 配置，未出現的欄位沿用預設值
//
// path 為空或檔案不存在時回傳預設配置。
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return config, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return &ValidationError{Field: "server.port", Reason: "must be between 1 and 65535"}
	case c.Game.SpawnCount <= 0:
		return &ValidationError{Field: "game.spawn_count", Reason: "must be positive"}
	case c.Game.TickInterval <= 0:
		return &ValidationError{Field: "game.tick_interval", Reason: "must be positive"}
	case c.WebSocket.PingPeriod >= c.WebSocket.PongWait:
		return &ValidationError{Field: "websocket.ping_period", Reason: "must be shorter than pong_wait"}
	case c.WebSocket.SendBuffer <= 0:
		return &ValidationError{Field: "websocket.send_buffer", Reason: "must be positive"}
	}
	return nil
}
