package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuildsAWorkingJSONLogger(t *testing.T) {
	log, err := New()

	require.NoError(t, err)
	require.NotNil(t, log)
	assert.NotPanics(t, func() { log.Info("smoke test") })
}

func TestNewDevelopment_BuildsAWorkingConsoleLogger(t *testing.T) {
	log, err := NewDevelopment()

	require.NoError(t, err)
	require.NotNil(t, log)
	assert.NotPanics(t, func() { log.Debug("smoke test") })
}
