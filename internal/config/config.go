package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	LedgerModeRippled   = "rippled"
	LedgerModeSimulated = "simulated"
)

// publicLedgerHosts are shared XRPL servers. They refuse wallet_propose and
// sign-and-submit, which the rippled gateway needs, so it must talk to a
// node whose admin port it can reach.
var publicLedgerHosts = map[string]bool{
	"s1.ripple.com":           true,
	"s2.ripple.com":           true,
	"xrplcluster.com":         true,
	"xrpl.ws":                 true,
	"s.altnet.rippletest.net": true,
	"s.devnet.rippletest.net": true,
	"testnet.xrpl-labs.com":   true,
}

type Config struct {
	Port  string
	Env   string
	Debug bool

	DatabasePath string

	LedgerURL        string
	LedgerMode       string
	LedgerFeeMultMax int
	SettleDelay      time.Duration

	AMQPURL   string
	AMQPQueue string

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroup      string
	KafkaReplyTopic string

	JWTSecret         string
	OperatorAPIKey    string
	OperatorAPISecret string

	ShutdownTimeout time.Duration
}

func (c *Config) Production() bool {
	return c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DEBUG", false)
	v.SetDefault("DATABASE_PATH", "settlement.db")
	v.SetDefault("LEDGER_URL", "ws://localhost:6006")
	v.SetDefault("LEDGER_MODE", LedgerModeRippled)
	v.SetDefault("LEDGER_FEE_MULT_MAX", 1000)
	v.SetDefault("SETTLE_DELAY", "5s")
	v.SetDefault("AMQP_QUEUE", "xrp_queue")
	v.SetDefault("KAFKA_GROUP", "klear-settlement")
	v.SetDefault("JWT_SECRET", "klear-secret-key")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
}

// Load reads configuration from the environment, optionally overlaid on
// .env and config.yaml files in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	v.SetConfigFile("config.yaml")
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		log.Debug().Err(err).Msg("no config.yaml loaded")
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:              v.GetString("PORT"),
		Env:               v.GetString("ENV"),
		Debug:             v.GetBool("DEBUG"),
		DatabasePath:      v.GetString("DATABASE_PATH"),
		LedgerURL:         v.GetString("LEDGER_URL"),
		LedgerMode:        strings.ToLower(v.GetString("LEDGER_MODE")),
		LedgerFeeMultMax:  v.GetInt("LEDGER_FEE_MULT_MAX"),
		SettleDelay:       v.GetDuration("SETTLE_DELAY"),
		AMQPURL:           v.GetString("AMQP_URL"),
		AMQPQueue:         v.GetString("AMQP_QUEUE"),
		KafkaBrokers:      splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:        v.GetString("KAFKA_TOPIC"),
		KafkaGroup:        v.GetString("KAFKA_GROUP"),
		KafkaReplyTopic:   v.GetString("KAFKA_REPLY_TOPIC"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		OperatorAPIKey:    v.GetString("OPERATOR_API_KEY"),
		OperatorAPISecret: v.GetString("OPERATOR_API_SECRET"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.LedgerMode != LedgerModeRippled && c.LedgerMode != LedgerModeSimulated {
		errs = append(errs, fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerModeRippled, LedgerModeSimulated, c.LedgerMode))
	}
	if c.LedgerMode == LedgerModeRippled {
		if err := validateLedgerURL(c.LedgerURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("SETTLE_DELAY must not be negative"))
	}
	if c.KafkaTopic != "" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required with KAFKA_TOPIC"))
	}
	if c.Production() && c.JWTSecret == "klear-secret-key" {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	return errors.Join(errs...)
}

func validateLedgerURL(raw string) error {
	if raw == "" {
		return errors.New("LEDGER_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("LEDGER_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("LEDGER_URL must be a ws:// or wss:// URL, got %q", raw)
	}
	if publicLedgerHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("LEDGER_URL %s is a public node without admin access, point it at your own rippled admin port", u.Host)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
