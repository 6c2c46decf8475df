package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"order-saga/config"
)

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{ServiceName: "order-service", LogLevel: zapcore.InfoLevel}, &buf)

	logger.Debug("hidden")
	logger.Info("order_created", zap.String("order_id", "o-1"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "order_created", entry["msg"])
	assert.Equal(t, "o-1", entry["order_id"])
	assert.Equal(t, "order-service", entry["service.name"])
	assert.Contains(t, entry["ts"], "T")
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), &config.Config{ServiceName: "order-service"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
