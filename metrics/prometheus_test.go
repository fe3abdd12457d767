package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/devsync/core"
)

func TestObserveStatus(t *testing.T) {
	r := NewRecorder()
	at := time.Unix(1714564800, 0)

	r.ObserveStatus("arduino1", core.DeviceStatus{Connected: true, LastUpdated: at})
	r.ObserveStatus("arduino1", core.DeviceStatus{Connected: false, Error: "timeout"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.StatusUpdates.WithLabelValues("arduino1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StatusUpdates.WithLabelValues("arduino1", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.DeviceConnected.WithLabelValues("arduino1")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(r.LastUpdate.WithLabelValues("arduino1")))
}

func TestObserveCommand(t *testing.T) {
	r := NewRecorder()

	r.ObserveCommand("d1", "toggle_led", core.CommandResult{OK: true}, nil)
	r.ObserveCommand("d1", "toggle_led", core.CommandResult{}, nil)
	r.ObserveCommand("d1", "toggle_led", core.CommandResult{}, errors.New("refused"))

	for _, outcome := range []string{"ok", "rejected", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(r.Commands.WithLabelValues("d1", "toggle_led", outcome)), outcome)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRecorder()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/api/devices/:deviceId/status", func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	})
	e.GET("/metrics", echo.WrapHandler(r.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/x/status", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.TotalRequests.WithLabelValues(http.MethodGet, "/api/devices/:deviceId/status", "404")))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devsync_http_requests_total")
}
