package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	FrontendURL string `mapstructure:"FRONTEND_URL"`
	PublicURL   string `mapstructure:"PUBLIC_URL"` // Default base URL for share links

	// Storage
	DataDir      string `mapstructure:"DATA_DIR"`
	DownloadsDir string `mapstructure:"DOWNLOADS_DIR"`
	CookiesFile  string `mapstructure:"COOKIES_FILE"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"` // Postgres DSN; empty means sqlite in DATA_DIR

	// Downloader
	YtDlpPath              string        `mapstructure:"YTDLP_PATH"`
	UserAgent              string        `mapstructure:"USER_AGENT"`
	MaxConcurrentDownloads int           `mapstructure:"MAX_CONCURRENT_DOWNLOADS"`
	MaxQueuedDownloads     int           `mapstructure:"MAX_QUEUED_DOWNLOADS"`
	CancelGrace            time.Duration `mapstructure:"CANCEL_GRACE"`

	// VPN
	TailscalePath      string        `mapstructure:"TAILSCALE_PATH"`
	ProxyEndpoint      string        `mapstructure:"PROXY_ENDPOINT"` // Local SOCKS5 listener of the VPN client
	VPNPollInterval    time.Duration `mapstructure:"VPN_POLL_INTERVAL"`
	VPNConnectAttempts int           `mapstructure:"VPN_CONNECT_ATTEMPTS"`
	VPNConnectInterval time.Duration `mapstructure:"VPN_CONNECT_INTERVAL"`

	// Sessions
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	ShareTokenSecret string        `mapstructure:"SHARE_TOKEN_SECRET"`

	// Centrifugo (optional realtime relay)
	CentrifugoURL         string `mapstructure:"CENTRIFUGO_URL"`
	CentrifugoAPIKey      string `mapstructure:"CENTRIFUGO_API_KEY"`
	CentrifugoTokenSecret string `mapstructure:"CENTRIFUGO_TOKEN_SECRET"`
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

var AppConfig *Config

// Load reads configuration from the environment (and an optional .env file).
// The result is treated as immutable for the lifetime of the process.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("FRONTEND_URL", "http://localhost:5173")
	v.SetDefault("PUBLIC_URL", "")
	v.SetDefault("DATA_DIR", "/data")
	v.SetDefault("DOWNLOADS_DIR", "/downloads")
	v.SetDefault("COOKIES_FILE", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("YTDLP_PATH", "yt-dlp")
	v.SetDefault("USER_AGENT", defaultUserAgent)
	v.SetDefault("MAX_CONCURRENT_DOWNLOADS", 2)
	v.SetDefault("MAX_QUEUED_DOWNLOADS", 100)
	v.SetDefault("CANCEL_GRACE", "5s")
	v.SetDefault("TAILSCALE_PATH", "tailscale")
	v.SetDefault("PROXY_ENDPOINT", "localhost:1055")
	v.SetDefault("VPN_POLL_INTERVAL", "10s")
	v.SetDefault("VPN_CONNECT_ATTEMPTS", 30)
	v.SetDefault("VPN_CONNECT_INTERVAL", "1s")
	v.SetDefault("SESSION_TTL", "168h")
	v.SetDefault("SHARE_TOKEN_SECRET", "")
	v.SetDefault("CENTRIFUGO_URL", "")
	v.SetDefault("CENTRIFUGO_API_KEY", "")
	v.SetDefault("CENTRIFUGO_TOKEN_SECRET", "")

	// Only try to read .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		v.SetConfigFile(".env")
		if err := v.ReadInConfig(); err != nil {
			log.Printf("Warning: Error reading .env file: %v", err)
		} else {
			log.Println("Loaded configuration from .env file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	config.applyDerived()

	AppConfig = config
	return config, nil
}

// applyDerived fills values that depend on other settings.
func (c *Config) applyDerived() {
	if c.CookiesFile == "" {
		c.CookiesFile = filepath.Join(c.DataDir, "cookies.txt")
	}
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = 1
	}
	if c.MaxQueuedDownloads < 1 {
		c.MaxQueuedDownloads = 1
	}
	if c.VPNConnectAttempts < 1 {
		c.VPNConnectAttempts = 1
	}
}

// SQLitePath is where job history lives when no DATABASE_URL is configured.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "downloads.db")
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
