package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

func TestNew(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Config{Level: "loud"}.Validate(), internalerr.ErrInvalidConfig)
	assert.ErrorIs(t, Config{Level: "info", Format: "xml"}.Validate(), internalerr.ErrInvalidConfig)
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
