package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "WARN", "json")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"learner"`)

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
}

func TestFlagsRegistered(t *testing.T) {
	for _, name := range []string{"env-addr", "replay-capacity", "checkpoint-backend", "nats-url"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), name)
	}
}
