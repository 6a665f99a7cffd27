package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LedgerConfig tunes the reconciliation core. It can change at runtime.
type LedgerConfig struct {
	GracePeriod  time.Duration `mapstructure:"gracePeriod"`
	StoreTimeout time.Duration `mapstructure:"storeTimeout"`
	LockTTL      time.Duration `mapstructure:"lockTTL"`
	LockWait     time.Duration `mapstructure:"lockWait"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		GracePeriod:  time.Minute,
		StoreTimeout: 5 * time.Second,
		LockTTL:      30 * time.Second,
		LockWait:     10 * time.Second,
	}
}

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

// NewStaticLedgerConfigHolder returns a holder that never reloads.
func NewStaticLedgerConfigHolder(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewLedgerConfigHolder(log *zap.Logger) (*LedgerConfigHolder, error) {
	log = log.Named("config.ledger")
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/feeledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FEELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerConfig()
	v.SetDefault("ledger.gracePeriod", defaults.GracePeriod)
	v.SetDefault("ledger.storeTimeout", defaults.StoreTimeout)
	v.SetDefault("ledger.lockTTL", defaults.LockTTL)
	v.SetDefault("ledger.lockWait", defaults.LockWait)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return nil, err
	}
	if err := validateLedgerConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticLedgerConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerConfig
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Warn("ledger config reload failed", zap.Error(err))
			return
		}
		if err := validateLedgerConfig(updated); err != nil {
			log.Warn("invalid ledger config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("ledger config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	if h == nil {
		return DefaultLedgerConfig()
	}
	cfg, ok := h.current.Load().(LedgerConfig)
	if !ok {
		return DefaultLedgerConfig()
	}
	return cfg
}

func validateLedgerConfig(cfg LedgerConfig) error {
	if cfg.GracePeriod < 0 {
		return errors.New("ledger.gracePeriod cannot be negative")
	}
	if cfg.StoreTimeout <= 0 {
		return errors.New("ledger.storeTimeout must be positive")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("ledger.lockTTL must be positive")
	}
	if cfg.LockWait <= 0 {
		return errors.New("ledger.lockWait must be positive")
	}
	return nil
}
