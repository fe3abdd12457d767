package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/ilievs/devsync/system"
)

// board is the simulated hardware shared by every personality.
type board struct {
	mu         sync.Mutex
	led        bool
	builtinLed bool
	relays     [2]bool
	ip         string
	lastUpdate time.Time
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func (b *board) sensorState() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"led":         onOff(b.led),
		"builtin_led": onOff(b.builtinLed),
		"temperature": 20 + rand.Float64()*5,
		"humidity":    40 + rand.Float64()*10,
		"ip":          b.ip,
		"last_update": b.lastUpdate.Format(time.DateTime),
	}
}

func (b *board) set(fn func()) {
	b.mu.Lock()
	fn()
	b.lastUpdate = time.Now()
	b.mu.Unlock()
}

func main() {
	mode := flag.StringP("mode", "m", "d1", "board to simulate: d1, nodemcu or mqtt")
	listen := flag.StringP("listen", "l", ":5000", "http address for d1 and nodemcu")
	broker := flag.StringP("broker", "b", "mqtt://localhost:1883", "broker url for mqtt")
	deviceID := flag.String("id", "arduino3", "mqtt client id and topic prefix")
	interval := flag.Duration("interval", time.Second, "mqtt sensor publish interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("board", *mode).Logger()

	ctx, stop := system.WithOsSignals(context.Background())
	defer stop()

	b := &board{ip: "192.168.1.10", lastUpdate: time.Now()}

	var err error
	switch *mode {
	case "d1":
		err = serveHTTP(ctx, d1Routes(b), *listen, log)
	case "nodemcu":
		err = serveHTTP(ctx, nodeMCURoutes(b), *listen, log)
	case "mqtt":
		err = runMQTT(ctx, b, *broker, *deviceID, *interval, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("mock board stopped")
	}
}

func serveHTTP(ctx context.Context, e *echo.Echo, listen string, log zerolog.Logger) error {
	e.HideBanner = true
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", listen).Msg("mock board listening")
	if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func success(c echo.Context, action string) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "success", "action": action})
}

// d1Routes serves the JSON API of the D1 board.
func d1Routes(b *board) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())

	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.sensorState())
	})

	outputs := map[string]*bool{"led": &b.led, "builtin": &b.builtinLed}
	for name, out := range outputs {
		e.POST("/api/"+name+"/on", func(c echo.Context) error {
			b.set(func() { *out = true })
			return success(c, name+" on")
		})
		e.POST("/api/"+name+"/off", func(c echo.Context) error {
			b.set(func() { *out = false })
			return success(c, name+" off")
		})
		e.POST("/api/"+name+"/toggle", func(c echo.Context) error {
			b.set(func() { *out = !*out })
			return success(c, name+" toggled")
		})
	}

	e.GET("/api/config", func(c echo.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return c.JSON(http.StatusOK, map[string]string{"ip": b.ip})
	})
	e.POST("/api/config", func(c echo.Context) error {
		body := map[string]string{}
		if err := c.Bind(&body); err != nil || body["ip"] == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"status": "error", "message": "ip is required"})
		}
		b.set(func() { b.ip = body["ip"] })
		return success(c, "ip set to "+body["ip"])
	})

	return e
}

// nodeMCURoutes serves the text status page and relay controls of the
// NodeMCU board.
func nodeMCURoutes(b *board) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())

	e.GET("/api/nodemcu/status", func(c echo.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		var sb strings.Builder
		sb.WriteString("NodeMCU relay board\n")
		for i, on := range b.relays {
			fmt.Fprintf(&sb, "Channel %d: %s\n", i+1, onOff(on))
		}
		fmt.Fprintf(&sb, "LED: %s\n", onOff(b.led))
		return c.String(http.StatusOK, sb.String())
	})
	e.POST("/api/nodemcu/led/toggle", func(c echo.Context) error {
		b.set(func() { b.led = !b.led })
		return success(c, "led toggled")
	})
	e.POST("/api/nodemcu/toggle/:channel", func(c echo.Context) error {
		channel := c.Param("channel")
		if channel != "1" && channel != "2" {
			return c.JSON(http.StatusNotFound, map[string]string{"status": "error", "message": "no such channel"})
		}
		idx := int(channel[0] - '1')
		b.set(func() { b.relays[idx] = !b.relays[idx] })
		return success(c, "channel "+channel+" toggled")
	})

	return e
}

func runMQTT(ctx context.Context, b *board, broker, deviceID string, interval time.Duration, log zerolog.Logger) error {
	u, err := url.Parse(broker)
	if err != nil {
		return err
	}

	commandTopic := deviceID + "/command"
	sensorTopic := deviceID + "/sensor"
	statusTopic := deviceID + "/status"

	commands := make(chan string, 8)

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("mqtt connection up")
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: commandTopic, QoS: 1},
				},
			}); err != nil {
				log.Error().Err(err).Msg("failed to subscribe to commands")
			}
		},
		OnConnectError: func(err error) {
			log.Warn().Err(err).Msg("error whilst attempting connection")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: deviceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					select {
					case commands <- string(pr.Packet.Payload):
					default:
						log.Warn().Msg("command queue full")
					}
					return true, nil
				}},
			OnClientError: func(err error) { log.Warn().Err(err).Msg("client error") },
		},
	}

	c, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return err
	}
	if err = c.AwaitConnection(ctx); err != nil {
		return err
	}

	publish := func(topic string, state map[string]any) {
		payload, err := json.Marshal(state)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode state")
			return
		}
		if _, err := c.Publish(ctx, &paho.Publish{QoS: 1, Topic: topic, Payload: payload}); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			publish(sensorTopic, b.sensorState())
		case cmd := <-commands:
			log.Info().Str("command", cmd).Msg("command received")
			switch strings.TrimSpace(cmd) {
			case "TOGGLE_LED":
				b.set(func() { b.led = !b.led })
			case "LED_ON":
				b.set(func() { b.led = true })
			case "LED_OFF":
				b.set(func() { b.led = false })
			default:
				log.Warn().Str("command", cmd).Msg("unknown command")
				continue
			}
			publish(statusTopic, b.sensorState())
		case <-ctx.Done():
			<-c.Done()
			return nil
		}
	}
}
