package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-relay/internal/model"
	"otp-relay/internal/service"
)

type fakeChecker struct {
	events []model.OtpEvent
	err    error
}

func (c *fakeChecker) TryPollOnce(context.Context) ([]model.OtpEvent, error) {
	return c.events, c.err
}

type fakeDeliverer struct {
	got []model.OtpEvent
}

func (d *fakeDeliverer) Deliver(_ context.Context, events []model.OtpEvent) int {
	d.got = append(d.got, events...)
	return len(events)
}

type fakeSink struct {
	got []model.OtpEvent
	err error
}

func (s *fakeSink) Notify(_ context.Context, e model.OtpEvent) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, e)
	return nil
}

type fixedStats model.PollStats

func (s fixedStats) Snapshot() model.PollStats { return model.PollStats(s) }

func newTestRouter(checker Checker, deliverer Deliverer, sink *fakeSink, stats StatsReader) http.Handler {
	h := NewOTPHandler(checker, deliverer, sink, stats, nil)
	return NewRouter(h, nil, zap.NewNop(), false)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, fixedStats{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"otp-relay"}`, rec.Body.String())
}

func TestHealthReportsFailingComponents(t *testing.T) {
	h := NewOTPHandler(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, fixedStats{}, nil)
	var calls int
	router := NewRouter(h, func(ctx context.Context) map[string]error {
		calls++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if calls == 1 {
			return nil
		}
		return map[string]error{"redis": errors.New("dial tcp: connection refused")}
	}, zap.NewNop(), false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"otp-relay"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","service":"otp-relay","components":{"redis":"dial tcp: connection refused"}}`, rec.Body.String())
}

func TestHomeSummary(t *testing.T) {
	stats := fixedStats{StartedAt: time.Now().Add(-90 * time.Minute), TotalSent: 7, Running: true, SessionValid: true}
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, stats)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "running", data["status"])
	assert.EqualValues(t, 7, data["total_otps_sent"])
	assert.Equal(t, true, data["monitor_running"])
	assert.Contains(t, data["uptime"], "1h30m")
}

func TestStatus(t *testing.T) {
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, fixedStats{TotalPolls: 12, ConsecutiveFailures: 2, LastError: "boom"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec).Data.(map[string]interface{})
	assert.EqualValues(t, 12, data["total_polls"])
	assert.EqualValues(t, 2, data["consecutive_failures"])
	assert.Equal(t, "boom", data["last_error"])
}

func TestCheckDeliversEvents(t *testing.T) {
	checker := &fakeChecker{events: []model.OtpEvent{{ID: "a"}, {ID: "b"}}}
	deliverer := &fakeDeliverer{}
	router := newTestRouter(checker, deliverer, &fakeSink{}, fixedStats{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		deliverer.got = nil
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/check", nil))
		require.Equal(t, http.StatusOK, rec.Code, method)

		data := decode(t, rec).Data.(map[string]interface{})
		assert.EqualValues(t, 2, data["found"])
		assert.EqualValues(t, 2, data["delivered"])
		assert.Len(t, deliverer.got, 2)
	}
}

func TestCheckConflictWhileBusy(t *testing.T) {
	router := newTestRouter(&fakeChecker{err: service.ErrPollInProgress}, &fakeDeliverer{}, &fakeSink{}, fixedStats{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/check", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestCheckPollFailure(t *testing.T) {
	deliverer := &fakeDeliverer{}
	router := newTestRouter(&fakeChecker{err: errors.New("portal down")}, deliverer, &fakeSink{}, fixedStats{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "portal down", decode(t, rec).Error)
	assert.Empty(t, deliverer.got)
}

func TestCheckAbortedPollStillDeliversRecordedEvents(t *testing.T) {
	checker := &fakeChecker{events: []model.OtpEvent{{ID: "a"}}, err: errors.New("session rejected after re-auth")}
	deliverer := &fakeDeliverer{}
	router := newTestRouter(checker, deliverer, &fakeSink{}, fixedStats{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/check", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, deliverer.got, 1)
	assert.Equal(t, "a", deliverer.got[0].ID)
}

func TestTestEndpoint(t *testing.T) {
	sink := &fakeSink{}
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, sink, fixedStats{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.got, 1)
	assert.Equal(t, "123456", sink.got[0].OTP)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTestEndpointSinkFailure(t *testing.T) {
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{err: errors.New("telegram down")}, fixedStats{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNotFound(t *testing.T) {
	router := newTestRouter(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, fixedStats{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireHTTPS(t *testing.T) {
	h := NewOTPHandler(&fakeChecker{}, &fakeDeliverer{}, &fakeSink{}, fixedStats{}, nil)
	router := NewRouter(h, nil, zap.NewNop(), true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
