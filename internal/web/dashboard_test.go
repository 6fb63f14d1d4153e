package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboard(t *testing.T) {
	d, err := NewDashboard("/events", "1.2.3")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	body := rec.Body.String()
	assert.Contains(t, body, "ngram-embed 1.2.3 jobs")
	assert.Contains(t, body, "/events")
	assert.NotContains(t, body, "{{")
	assert.Contains(t, body, "job_progress")
}
