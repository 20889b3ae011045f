package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all runtime settings. Everything is read from the
// environment so deployments can tune fee rates and provider credentials
// without a rebuild.
type Config struct {
	DatabaseURL   string
	JWTSecret     string
	HTTPAddr      string
	StatusPageURL string

	// PollGraceWindow is how old a pending payment must be before the
	// manual check-status path is allowed to reconcile it.
	PollGraceWindow time.Duration

	// Fee rates in basis points of the gross amount.
	PlatformFeeBps int64
	AgentFeeBps    int64

	Alipay AlipayConfig
	Wechat WechatConfig
	Card   CardConfig
}

// AlipayConfig holds credentials for the alipay rail. An empty PublicKeyPEM
// downgrades callback verification to accept-all (sandbox only).
type AlipayConfig struct {
	AppID         string
	GatewayURL    string
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// WechatConfig holds credentials for the wechat rail.
type WechatConfig struct {
	AppID      string
	MerchantID string
	APIKey     string
	GatewayURL string
}

// CardConfig holds credentials for the card rail.
type CardConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
}

// Load reads configuration from the environment, applying development
// defaults where a value is optional.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		HTTPAddr:        envOr("HTTP_ADDR", ":8080"),
		StatusPageURL:   envOr("STATUS_PAGE_URL", "/payments/status"),
		PollGraceWindow: 5 * time.Minute,
		PlatformFeeBps:  500,
		AgentFeeBps:     200,
		Alipay: AlipayConfig{
			AppID:         os.Getenv("ALIPAY_APP_ID"),
			GatewayURL:    envOr("ALIPAY_GATEWAY_URL", "https://openapi.alipay.com/gateway.do"),
			PublicKeyPEM:  os.Getenv("ALIPAY_PUBLIC_KEY"),
			PrivateKeyPEM: os.Getenv("ALIPAY_PRIVATE_KEY"),
		},
		Wechat: WechatConfig{
			AppID:      os.Getenv("WECHAT_APP_ID"),
			MerchantID: os.Getenv("WECHAT_MCH_ID"),
			APIKey:     os.Getenv("WECHAT_API_KEY"),
			GatewayURL: envOr("WECHAT_GATEWAY_URL", "https://api.mch.weixin.qq.com/pay/unifiedorder"),
		},
		Card: CardConfig{
			APIKey:        os.Getenv("CARD_API_KEY"),
			WebhookSecret: os.Getenv("CARD_WEBHOOK_SECRET"),
			BaseURL:       envOr("CARD_API_BASE_URL", "https://api.cardgateway.example.com"),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	if v := os.Getenv("POLL_GRACE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse POLL_GRACE_WINDOW: %w", err)
		}
		cfg.PollGraceWindow = d
	}

	var err error
	if cfg.PlatformFeeBps, err = envBps("PLATFORM_FEE_BPS", cfg.PlatformFeeBps); err != nil {
		return Config{}, err
	}
	if cfg.AgentFeeBps, err = envBps("AGENT_FEE_BPS", cfg.AgentFeeBps); err != nil {
		return Config{}, err
	}
	if cfg.PlatformFeeBps+cfg.AgentFeeBps >= 10000 {
		return Config{}, fmt.Errorf("config: fee rates consume the entire amount")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBps(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	if n < 0 || n > 10000 {
		return 0, fmt.Errorf("config: %s out of range: %d", key, n)
	}
	return n, nil
}
