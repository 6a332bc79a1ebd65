package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnforcementSettings are the hot-reloadable knobs of the enforcer.
type EnforcementSettings struct {
	DefaultCurrency string            `mapstructure:"defaultCurrency"`
	RecordTags      map[string]string `mapstructure:"recordTags"`
}

func DefaultEnforcementSettings() EnforcementSettings {
	return EnforcementSettings{
		DefaultCurrency: "USD",
		RecordTags:      map[string]string{},
	}
}

type SettingsHolder struct {
	current atomic.Value // holds EnforcementSettings
}

// NewStaticSettingsHolder returns a holder that never reloads.
func NewStaticSettingsHolder(settings EnforcementSettings) *SettingsHolder {
	holder := &SettingsHolder{}
	holder.current.Store(normalizeSettings(settings))
	return holder
}

func NewSettingsHolder(log *zap.Logger) (*SettingsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.settings")

	v := viper.New()

	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/entitlement")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEnforcementSettings()
	v.SetDefault("enforcement.defaultCurrency", defaults.DefaultCurrency)
	v.SetDefault("enforcement.recordTags", defaults.RecordTags)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EnforcementSettings
	if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
		return nil, err
	}
	cfg = normalizeSettings(cfg)
	if err := validateSettings(cfg); err != nil {
		return nil, err
	}

	holder := &SettingsHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EnforcementSettings
		if err := v.UnmarshalKey("enforcement", &updated); err != nil {
			log.Warn("settings reload failed", zap.Error(err))
			return
		}
		updated = normalizeSettings(updated)
		if err := validateSettings(updated); err != nil {
			log.Warn("invalid settings ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("settings reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *SettingsHolder) Get() EnforcementSettings {
	return h.current.Load().(EnforcementSettings)
}

func normalizeSettings(cfg EnforcementSettings) EnforcementSettings {
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.RecordTags == nil {
		cfg.RecordTags = map[string]string{}
	}
	return cfg
}

func validateSettings(cfg EnforcementSettings) error {
	if cfg.DefaultCurrency == "" {
		return errors.New("enforcement.defaultCurrency cannot be empty")
	}
	return nil
}
