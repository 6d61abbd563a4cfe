package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/internal/config"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := config.NewDefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 30*time.Second, cfg.Automation.NavigationTimeout)
	assert.Equal(t, time.Second, cfg.Automation.SettleDelay)
	assert.Equal(t, 30*time.Second, cfg.Automation.PollCooldown)
	assert.Equal(t, 5*time.Second, cfg.Automation.TriggerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Automation.StalenessWindow)
	assert.Equal(t, 20, cfg.Automation.DedupCapacity)
	assert.Equal(t, 10*time.Second, cfg.Source.PollInterval)
	assert.True(t, cfg.Browser.Headless)
	assert.NotEmpty(t, cfg.Store.DBPath)
	assert.Equal(t, "127.0.0.1:8787", cfg.Control.ListenAddr)
}

func TestViperOverrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("source.base_url", "http://instructions.internal:9000")
	v.Set("automation.dedup_capacity", 5)
	v.Set("automation.satisfied_urls", []string{"/thanks"})

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "http://instructions.internal:9000", cfg.Source.BaseURL)
	assert.Equal(t, 5, cfg.Automation.DedupCapacity)
	assert.Equal(t, []string{"/thanks"}, cfg.Automation.SatisfiedURLs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	mutate := func(fn func(*config.Config)) error {
		cfg := config.NewDefaultConfig()
		fn(cfg)
		return cfg.Validate()
	}

	assert.Error(t, mutate(func(c *config.Config) { c.Source.BaseURL = "" }))
	assert.Error(t, mutate(func(c *config.Config) { c.Source.PollInterval = 0 }))
	assert.Error(t, mutate(func(c *config.Config) { c.Store.DBPath = "" }))
	assert.Error(t, mutate(func(c *config.Config) { c.Automation.NavigationTimeout = -time.Second }))
	assert.Error(t, mutate(func(c *config.Config) { c.Automation.StalenessWindow = 0 }))
	assert.Error(t, mutate(func(c *config.Config) { c.Automation.DedupCapacity = 0 }))
}
