package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ilievs/devsync/config"
	"github.com/ilievs/devsync/core"
	"github.com/ilievs/devsync/logger"
	"github.com/ilievs/devsync/settings"
	"github.com/ilievs/devsync/system"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "devsync",
		Short:         "Keep the status of D1 and NodeMCU boards in sync",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "devsync.yaml", "path to the configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath, out))
	root.AddCommand(newSendCommand(&configPath, out))

	return root
}

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid logging config: %w", err)
	}
	return cfg, logger.GetLogger(), nil
}

func newServeCommand(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll every configured device and serve the host API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			app, err := NewApplication(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := system.WithOsSignals(cmd.Context())
			defer stop()

			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "host api address, overrides the config file")

	return cmd
}

func newStatusCommand(configPath *string, out io.Writer) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:     "status <deviceId>",
		Short:   "Print the current status of one device",
		Example: "devsync status arduino1 --config devsync.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			deviceID := args[0]
			if err := onlyDevice(cfg, deviceID); err != nil {
				return err
			}

			first := make(chan core.DeviceStatus, 1)
			status, err := runOnce(cmd.Context(), cfg, log, func(app *Application) (any, error) {
				select {
				case s := <-first:
					return s, nil
				case <-time.After(wait):
					return nil, fmt.Errorf("no status from %s within %s", deviceID, wait)
				}
			}, func(id string, s core.DeviceStatus) {
				select {
				case first <- s:
				default:
				}
			})
			if err != nil {
				return err
			}
			return writeJSON(out, status)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the device")

	return cmd
}

func newSendCommand(configPath *string, out io.Writer) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:     "send <deviceId> <action> [param]",
		Short:   "Send one command to a device",
		Example: "devsync send arduino1 toggle_led\ndevsync send arduino1 set_ip '{\"ip\":\"192.168.1.42\"}'",
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			deviceID, action := args[0], args[1]
			if err := onlyDevice(cfg, deviceID); err != nil {
				return err
			}

			var param any
			if len(args) == 3 {
				param = parseParam(args[2])
			}

			result, err := runOnce(cmd.Context(), cfg, log, func(app *Application) (any, error) {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()

				result, err := app.client.SendCommand(ctx, deviceID, action, param)
				var transportErr *core.TransportError
				if err != nil && !errors.As(err, &transportErr) {
					return nil, err
				}
				return result, err
			}, nil)
			if result != nil {
				if werr := writeJSON(out, result); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the device")

	return cmd
}

// onlyDevice narrows cfg to one device.
func onlyDevice(cfg *config.Config, deviceID string) error {
	idx := slices.IndexFunc(cfg.Devices, func(d config.DeviceConfig) bool { return d.ID == deviceID })
	if idx < 0 {
		return &core.UnknownDeviceError{DeviceID: deviceID}
	}
	cfg.Devices = cfg.Devices[idx : idx+1]
	// the CLI never hosts the broker
	cfg.MQTT.Embedded = nil
	return nil
}

// runOnce starts the sync client for a single CLI action and stops it again.
func runOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger,
	action func(app *Application) (any, error), onUpdate core.UpdateFunc) (any, error) {

	// a running serve holds the settings file
	if cfg.SettingsPath != memorySettings {
		if store, err := settings.Open(cfg.SettingsPath); errors.Is(err, settings.ErrLocked) {
			log.Warn().Str("path", cfg.SettingsPath).Msg("settings in use, changes will not be persisted")
			cfg.SettingsPath = memorySettings
		} else if err == nil {
			store.Close()
		}
	}

	app, err := NewApplication(cfg, log)
	if err != nil {
		return nil, err
	}
	defer app.Close()

	if onUpdate == nil {
		onUpdate = func(string, core.DeviceStatus) {}
	}
	h, err := app.client.Start(ctx, cfg.Descriptors(), onUpdate)
	if err != nil {
		return nil, err
	}
	defer h.Stop()

	return action(app)
}

func parseParam(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
