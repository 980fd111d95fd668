package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-relay/internal/config"
	"otp-relay/internal/repository/history"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "development",
		Server:      config.ServerConfig{Port: 0},
		Portal: config.PortalConfig{
			BaseURL:         "http://portal.invalid",
			Email:           "ops@example.com",
			Password:        "hunter2",
			RequestTimeout:  time.Second,
			RefreshInterval: 75 * time.Minute,
			RevalidateAfter: 60 * time.Minute,
		},
		Monitor: config.MonitorConfig{
			PollInterval:     10 * time.Second,
			FailureBackoff:   30 * time.Second,
			FailureThreshold: 5,
		},
		Extractor: config.ExtractorConfig{JoinSeparated: true},
		History:   config.HistoryConfig{Backend: "file", File: filepath.Join(t.TempDir(), "history.json")},
		Telegram: config.TelegramConfig{
			BotToken:   "123:abc",
			GroupID:    "-100",
			APIBaseURL: "http://telegram.invalid",
			Timeout:    time.Second,
		},
	}
}

func TestNewFactoryFileBackend(t *testing.T) {
	cfg := testConfig(t)
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	assert.NotNil(t, f.Pipeline())
	assert.NotNil(t, f.Monitor())
	assert.NotNil(t, f.Authenticator())
	assert.Nil(t, f.TLSManager())
	assert.Empty(t, f.HealthCheck(context.Background()))

	require.NoError(t, f.history.MarkDelivered(context.Background(), "fp", "1234", "code 1234"))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = os.Stat(cfg.History.File)
	require.NoError(t, err)
}

func TestNewFactoryRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.History = config.HistoryConfig{Backend: "redis"}
	cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr(), HistoryBuckets: 4}

	f, err := NewFactory(cfg)
	require.NoError(t, err)
	defer f.Close()

	_, ok := f.history.(*history.RedisStore)
	assert.True(t, ok)
	assert.Empty(t, f.HealthCheck(context.Background()))
}

func TestNewFactoryRedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = config.HistoryConfig{Backend: "redis"}
	cfg.Redis = config.RedisConfig{URL: "redis://127.0.0.1:1", HistoryBuckets: 4}

	_, err := NewFactory(cfg)
	assert.Error(t, err)
}

func TestRouterHealthReflectsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.History = config.HistoryConfig{Backend: "redis"}
	cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr(), HistoryBuckets: 4}

	f, err := NewFactory(cfg)
	require.NoError(t, err)
	defer f.Close()
	router := f.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis"`)
}

func TestRouterServesHealth(t *testing.T) {
	f, err := NewFactory(testConfig(t))
	require.NoError(t, err)
	defer f.Close()

	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
