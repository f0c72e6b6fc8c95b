package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{LogLevel: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{LogLevel: "loud"}, nil)
	assert.Error(t, err)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, _, _, err := Init(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestMiddlewareOmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	shutdown, mw, _, err := Init(context.Background(), Config{ServiceName: "bootvaultd"}, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/boot/resolve?username=alice&password=hunter2", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, buf.String(), "hunter2")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "/boot/resolve", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.Equal(t, "bootvaultd", line["service"])
}
