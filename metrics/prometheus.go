package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilievs/devsync/core"
)

// Recorder owns the devsync collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	StatusUpdates   *prometheus.CounterVec
	DeviceConnected *prometheus.GaugeVec
	LastUpdate      *prometheus.GaugeVec
	Commands        *prometheus.CounterVec
	TotalRequests   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		StatusUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devsync_status_updates_total",
				Help: "Completed device polls and pushed status messages",
			},
			[]string{"device", "result"},
		),
		DeviceConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devsync_device_connected",
				Help: "1 when the last status of the device was healthy",
			},
			[]string{"device"},
		),
		LastUpdate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devsync_device_last_update_timestamp_seconds",
				Help: "Time of the last successful status of the device",
			},
			[]string{"device"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devsync_commands_total",
				Help: "Commands sent to devices",
			},
			[]string{"device", "action", "result"},
		),
		TotalRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devsync_http_requests_total",
				Help: "Total number of host API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devsync_http_request_duration_seconds",
				Help:    "Host API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.registry.MustRegister(
		r.StatusUpdates,
		r.DeviceConnected,
		r.LastUpdate,
		r.Commands,
		r.TotalRequests,
		r.RequestDuration,
	)

	return r
}

func (r *Recorder) ObserveStatus(deviceID string, status core.DeviceStatus) {
	if status.Connected {
		r.StatusUpdates.WithLabelValues(deviceID, "ok").Inc()
		r.DeviceConnected.WithLabelValues(deviceID).Set(1)
		r.LastUpdate.WithLabelValues(deviceID).Set(float64(status.LastUpdated.Unix()))
		return
	}
	r.StatusUpdates.WithLabelValues(deviceID, "error").Inc()
	r.DeviceConnected.WithLabelValues(deviceID).Set(0)
}

func (r *Recorder) ObserveCommand(deviceID, action string, result core.CommandResult, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !result.OK:
		outcome = "rejected"
	}
	r.Commands.WithLabelValues(deviceID, action, outcome).Inc()
}

// Middleware counts host API requests by route template.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			r.TotalRequests.WithLabelValues(method, route, status).Inc()
			r.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
