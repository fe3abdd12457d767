package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/rs/zerolog"

	"github.com/ilievs/devsync/config"
	"github.com/ilievs/devsync/core"
	"github.com/ilievs/devsync/hub"
	"github.com/ilievs/devsync/metrics"
	"github.com/ilievs/devsync/mqtt"
	"github.com/ilievs/devsync/rest"
	"github.com/ilievs/devsync/settings"
)

const (
	shutdownTimeout = 5 * time.Second
	memorySettings  = ":memory:"
)

type commandBody struct {
	Action string `json:"action"`
	Param  any    `json:"param"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Application wires the sync client to the host API, the embedded broker and
// the browser hub.
type Application struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   settings.Store
	broker  *mqtt.Broker
	client  core.DeviceSyncer
	hub     *hub.Hub
	metrics *metrics.Recorder
	echo    *echo.Echo
}

// NewApplication builds the application from cfg. opts are applied after the
// defaults derived from cfg.
func NewApplication(cfg *config.Config, logger zerolog.Logger, opts ...core.Option) (*Application, error) {
	store, err := openSettings(cfg.SettingsPath, logger)
	if err != nil {
		return nil, err
	}

	a := &Application{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.NewRecorder(),
	}

	if cfg.MQTT.Embedded != nil {
		a.broker = mqtt.NewBroker(cfg.BrokerConfig(), logger.With().Str("component", "broker").Logger())
	}

	syncOpts := []core.Option{
		core.WithRequester(rest.NewClient(nil)),
		core.WithSettings(store),
		core.WithLogger(logger.With().Str("component", "sync").Logger()),
		core.WithClearFieldsOnDisconnect(*cfg.ClearFieldsOnDisconnect),
	}
	if len(cfg.MQTTDeviceIDs()) > 0 {
		session := mqtt.NewSession(cfg.SessionConfig(), logger.With().Str("component", "mqtt").Logger())
		syncOpts = append(syncOpts, core.WithMessageBus(session))
	}
	a.client = core.NewSyncClient(append(syncOpts, opts...)...)

	a.hub = hub.New(a.client.Statuses, logger.With().Str("component", "hub").Logger())
	a.echo = a.routes()

	return a, nil
}

func openSettings(path string, logger zerolog.Logger) (settings.Store, error) {
	if path == memorySettings {
		return settings.NewMemoryStore(), nil
	}
	store, err := settings.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("settings opened")
	return store, nil
}

func (a *Application) onUpdate(deviceID string, status core.DeviceStatus) {
	a.metrics.ObserveStatus(deviceID, status)
	a.hub.Broadcast(deviceID, status)

	ev := a.logger.Debug().Str("device", deviceID).Bool("connected", status.Connected)
	if status.Error != "" {
		ev = ev.Str("error", status.Error)
	}
	ev.Msg("device status")
}

// Start brings up the broker and the sync client.
func (a *Application) Start(ctx context.Context) (*core.Handle, error) {
	if a.broker != nil {
		hook := new(mqtt.PresenceHook)
		opts := &mqtt.PresenceOptions{
			Broker:    a.broker,
			DeviceIDs: a.cfg.MQTTDeviceIDs(),
			Logger:    a.logger.With().Str("component", "presence").Logger(),
		}
		if err := a.broker.Start([]mochi.Hook{hook}, []any{opts}); err != nil {
			return nil, fmt.Errorf("failed to start embedded broker: %w", err)
		}
	}

	h, err := a.client.Start(ctx, a.cfg.Descriptors(), a.onUpdate)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Run serves the host API until ctx is done.
func (a *Application) Run(ctx context.Context) error {
	h, err := a.Start(ctx)
	if err != nil {
		a.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("listen", a.cfg.Listen).Msg("host api listening")
		if err := a.echo.Start(a.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.echo.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn().Err(serr).Msg("host api shutdown")
	}

	h.Stop()
	a.Close()
	return err
}

// Close releases everything but the sync handle.
func (a *Application) Close() {
	a.hub.Close()
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close broker")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close settings")
	}
}

func (a *Application) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.logger.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(a.metrics.Middleware())

	// Routes
	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	e.GET("/api/updates", echo.WrapHandler(a.hub))

	e.GET("/api/devices", func(c echo.Context) error {
		return c.JSON(http.StatusOK, a.client.Statuses())
	})

	e.GET("/api/devices/:deviceId/status", func(c echo.Context) error {
		status, err := a.client.Status(c.Param("deviceId"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errorBody{err.Error()})
		}
		return c.JSON(http.StatusOK, status)
	})

	e.POST("/api/devices/:deviceId/poll", func(c echo.Context) error {
		status, err := a.client.Poll(c.Request().Context(), c.Param("deviceId"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errorBody{err.Error()})
		}
		return c.JSON(http.StatusOK, status)
	})

	e.POST("/api/devices/:deviceId/command", a.handleCommand)

	e.GET("/api/settings/:key", func(c echo.Context) error {
		key := c.Param("key")
		value, ok, err := a.client.Setting(key)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody{err.Error()})
		}
		if !ok {
			return c.JSON(http.StatusNotFound, errorBody{"setting not found"})
		}
		return c.JSON(http.StatusOK, map[string]string{"key": key, "value": value})
	})

	return e
}

func (a *Application) handleCommand(c echo.Context) error {
	deviceID := c.Param("deviceId")

	body := new(commandBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{"invalid command body"})
	}
	if body.Action == "" {
		return c.JSON(http.StatusBadRequest, errorBody{"action is required"})
	}

	result, err := a.client.SendCommand(c.Request().Context(), deviceID, body.Action, body.Param)
	if errors.Is(err, core.ErrUnknownDevice) || errors.Is(err, core.ErrUnknownCommand) {
		return c.JSON(http.StatusNotFound, errorBody{err.Error()})
	}
	a.metrics.ObserveCommand(deviceID, body.Action, result, err)

	var transportErr *core.TransportError
	switch {
	case errors.As(err, &transportErr):
		return c.JSON(http.StatusBadGateway, result)
	case err != nil:
		return c.JSON(http.StatusBadRequest, errorBody{err.Error()})
	case !result.OK:
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}
