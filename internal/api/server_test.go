package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/transport"
)

func newTestServer(origins []string) *Server {
	return NewServer(nil, nil, "last/#", origins, logging.Nop())
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(nil).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestSeriesRejectsUnknownField(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/devices/truck-1/series?fields=lat,drop%20table", nil)
	newTestServer(nil).Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown field")
}

func TestSeriesRejectsBadParams(t *testing.T) {
	srv := newTestServer(nil)
	for _, target := range []string{
		"/devices/truck-1/series?start=not-a-time",
		"/devices/truck-1/series?end=tomorrow",
		"/devices/truck-1/series?limit=0",
		"/devices/truck-1/series?limit=999999",
		"/devices/truck-1/series?fields=,",
	} {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRawRejectsBadParams(t *testing.T) {
	srv := newTestServer(nil)
	for _, target := range []string{
		"/devices/truck-1/raw?from_ts=not-a-time",
		"/devices/truck-1/raw?to_ts=later",
		"/devices/truck-1/raw?page_after_ts=0",
		"/devices/truck-1/raw?limit=0",
		"/devices/truck-1/raw?limit=999999",
	} {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestLiveUnavailableWithoutSubscriber(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(nil).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOriginAllowed(t *testing.T) {
	open := newTestServer(nil)
	assert.True(t, open.originAllowed("http://anywhere.example.com"))

	restricted := newTestServer([]string{"http://localhost:5173"})
	assert.True(t, restricted.originAllowed("http://localhost:5173"))
	assert.False(t, restricted.originAllowed("http://evil.example.com"))

	wildcard := newTestServer([]string{"*"})
	assert.True(t, wildcard.originAllowed("http://anywhere.example.com"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer([]string{"http://localhost:5173"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	// Disallowed origins get no CORS headers.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/stats", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	srv.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLiveMessageMatches(t *testing.T) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"lat":1}`))
	msg.Metadata.Set(transport.TopicMetadataKey, "last/truck-7")

	assert.True(t, liveMessageMatches(msg, ""))
	assert.True(t, liveMessageMatches(msg, "truck-7"))
	assert.False(t, liveMessageMatches(msg, "truck-8"))

	// Without topic metadata the payload's own id decides.
	bodyOnly := message.NewMessage(watermill.NewUUID(), []byte(`{"device_id":"truck-3"}`))
	require.True(t, liveMessageMatches(bodyOnly, "truck-3"))
	assert.False(t, liveMessageMatches(bodyOnly, "truck-4"))
}
