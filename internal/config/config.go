package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config 聚合客户端、开发服务器与日志的配置项。
type Config struct {
	Client ClientConfig
	Server ServerConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Client: client, Server: server, Log: logCfg}, nil
}

// ClientConfig 描述聊天客户端如何连接后端。
type ClientConfig struct {
	APIURL   string
	WSURL    string
	StateDir string

	HTTPTimeout    time.Duration
	HistoryRetries int

	ReconnectMaxRetries int
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration

	ConfirmTimeout time.Duration
}

func loadClientConfig() (ClientConfig, error) {
	httpTimeout, err := parseDurationEnv("CHAT_HTTP_TIMEOUT", 10*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	reconnectInitial, err := parseDurationEnv("CHAT_RECONNECT_INITIAL", 500*time.Millisecond)
	if err != nil {
		return ClientConfig{}, err
	}
	reconnectMax, err := parseDurationEnv("CHAT_RECONNECT_MAX", 15*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	confirmTimeout, err := parseDurationEnv("CHAT_CONFIRM_TIMEOUT", 10*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}

	historyRetries := 3
	if override, err := parseOptionalIntEnv("CHAT_HISTORY_RETRIES"); err != nil {
		return ClientConfig{}, err
	} else if override != nil {
		historyRetries = max(*override, 1)
	}

	maxRetries := 5
	if override, err := parseOptionalIntEnv("CHAT_RECONNECT_MAX_RETRIES"); err != nil {
		return ClientConfig{}, err
	} else if override != nil {
		maxRetries = max(*override, 0)
	}

	if reconnectMax < reconnectInitial {
		return ClientConfig{}, fmt.Errorf("CHAT_RECONNECT_MAX (%s) is below CHAT_RECONNECT_INITIAL (%s)", reconnectMax, reconnectInitial)
	}

	return ClientConfig{
		APIURL:              strings.TrimRight(getEnvOrDefault("CHAT_API_URL", "http://127.0.0.1:8000/api"), "/"),
		WSURL:               strings.TrimRight(getEnvOrDefault("CHAT_WS_URL", "ws://127.0.0.1:8000/ws/chat"), "/"),
		StateDir:            getEnvOrDefault("CHAT_STATE_DIR", defaultStateDir()),
		HTTPTimeout:         httpTimeout,
		HistoryRetries:      historyRetries,
		ReconnectMaxRetries: maxRetries,
		ReconnectInitial:    reconnectInitial,
		ReconnectMax:        reconnectMax,
		ConfirmTimeout:      confirmTimeout,
	}, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".chatline"
	}
	return filepath.Join(home, ".chatline")
}

// ServerConfig 描述参考后端的 HTTP 服务配置。
type ServerConfig struct {
	Addr      string
	JWTSecret string
	AccessTTL time.Duration
}

// loadServerConfig 解析监听地址与签名密钥。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	addr := ":" + port
	if strings.Contains(port, ":") {
		// 允许直接传入 ":8000" 或 "127.0.0.1:8000"。
		addr = port
	} else if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	ttl, err := parseDurationEnv("DEVSERVER_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:      addr,
		JWTSecret: getEnvOrDefault("DEVSERVER_JWT_SECRET", "devserver-insecure-secret"),
		AccessTTL: ttl,
	}, nil
}

// LogConfig 日志级别与输出配置
type LogConfig struct {
	Level  string
	Pretty bool
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Pretty: pretty,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 解析 Go 时长格式（"750ms"、"2s"）或纯秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}
