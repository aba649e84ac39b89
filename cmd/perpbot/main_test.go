package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantfunk/perpbot/internal/config"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, exitOK)
	assert.Equal(t, 1, exitConfig, "configuration and credential failures exit 1")
	assert.Equal(t, 2, exitError, "unrecoverable runtime errors exit 2")
}

func TestVerifyAPIKeys(t *testing.T) {
	cfg := &config.Config{}
	cfg.Exchange.Paper = true
	assert.Equal(t, exitOK, verifyAPIKeys(cfg), "paper mode needs no credentials")

	cfg = &config.Config{}
	cfg.Exchange.APIKey = "YOUR_API_KEY"
	cfg.Exchange.SecretKey = "real-secret"
	assert.Equal(t, exitConfig, verifyAPIKeys(cfg))

	cfg = &config.Config{}
	cfg.Exchange.APIKey = "real-key"
	assert.Equal(t, exitConfig, verifyAPIKeys(cfg), "missing secret is a config failure")

	cfg.Exchange.SecretKey = "real-secret"
	assert.Equal(t, exitOK, verifyAPIKeys(cfg))
}
