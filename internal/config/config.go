package config

import (
	"os"
	"strconv"
	"time"
)

// Config 客户端运行配置
type Config struct {
	BotToken    string `json:"bot_token"`
	DatabaseURL string `json:"database_url"`

	// 权威服务配置
	GameAuthorityURL string        `json:"game_authority_url"`
	ArcadeHubURL     string        `json:"arcade_hub_url"`
	RequestTimeout   time.Duration `json:"request_timeout"`

	// 模式注册表覆盖文件（可选）
	ModesFile string `json:"modes_file"`

	// 回放节奏缩放（1.0为原速，测试环境可调小）
	ReplaySpeed float64 `json:"replay_speed"`

	// 客户端版本号（附加在结果提交meta中）
	ClientVersion string `json:"client_version"`

	// 支付回调HTTPS配置
	Domain       string `json:"domain"`
	EnableHTTPS  bool   `json:"enable_https"`
	WebPort      string `json:"web_port"`
	HTTPSPort    string `json:"https_port"`
	CertCacheDir string `json:"cert_cache_dir"`
	AdminEmail   string `json:"admin_email"`
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{
		BotToken:    getEnv("BOT_TOKEN", ""),
		DatabaseURL: getEnv("DATABASE_URL", "apein_client.db"),

		GameAuthorityURL: getEnv("GAME_AUTHORITY_URL", "http://localhost:8000"),
		ArcadeHubURL:     getEnv("ARCADE_HUB_URL", "http://localhost:8000"),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),

		ModesFile: getEnv("MODES_FILE", ""),

		ReplaySpeed: getEnvFloat("REPLAY_SPEED", 1.0),

		ClientVersion: getEnv("CLIENT_VERSION", "dev"),

		Domain:       getEnv("DOMAIN", ""),
		EnableHTTPS:  getEnvBool("ENABLE_HTTPS", false),
		WebPort:      getEnv("WEB_PORT", "8080"),
		HTTPSPort:    getEnv("HTTPS_PORT", "443"),
		CertCacheDir: getEnv("CERT_CACHE_DIR", "./certs"),
		AdminEmail:   getEnv("ADMIN_EMAIL", ""),
	}

	if cfg.ReplaySpeed <= 0 {
		cfg.ReplaySpeed = 1.0
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
