package opsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct{ value string }

func (f fakeState) Snapshot() any { return map[string]string{"state": f.value} }

func TestHealthzReturnsOK(t *testing.T) {
	s := New(DefaultConfig(), fakeState{value: "IDLE"}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateEndpointServesSnapshot(t *testing.T) {
	s := New(DefaultConfig(), fakeState{value: "HOLDING"}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HOLDING")
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := New(DefaultConfig(), fakeState{}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
