package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device/abstract"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device/httpsend"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device/mqttdevice"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/config"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/logging"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/mqtt"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// buildDevices creates one adapter per enabled device in the config.
func buildDevices(cfg *config.Config, clk clock.Clock, log *logging.Logger) ([]conductor.DeviceSpec, error) {
	specs := make([]conductor.DeviceSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Disabled {
			log.Info("device disabled, skipping", "device_id", d.ID)
			continue
		}

		adapter, err := newAdapter(cfg, d, clk, log.With("device_id", d.ID))
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.ID, err)
		}
		opts, err := deviceOptions(cfg, d)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.ID, err)
		}
		specs = append(specs, conductor.DeviceSpec{Adapter: adapter, Options: opts})
	}
	return specs, nil
}

func newAdapter(cfg *config.Config, d config.DeviceConfig, clk clock.Clock, log *logging.Logger) (device.Adapter, error) {
	switch timeline.DeviceType(d.Type) {
	case timeline.DeviceTypeAbstract:
		return device.Adapt[abstract.State](abstract.New(d.ID, log)), nil

	case timeline.DeviceTypeMQTT:
		mqttCfg := cfg.DeviceMQTT(d)
		return device.Adapt[mqttdevice.State](mqttdevice.New(mqttdevice.Options{
			ID:            d.ID,
			Dial:          mqttDialer(mqttCfg, log),
			Clock:         clk,
			Logger:        log,
			FeedbackTopic: d.FeedbackTopic,
			SettleDelay:   cfg.SettleDelay(d),
			RetryDelay:    time.Duration(mqttCfg.Reconnect.InitialDelay) * time.Second,
			MaxRetryDelay: time.Duration(mqttCfg.Reconnect.MaxDelay) * time.Second,
		})), nil

	case timeline.DeviceTypeHTTPSend:
		var timeout time.Duration
		if d.HTTP.TimeoutMS > 0 {
			timeout = time.Duration(d.HTTP.TimeoutMS) * time.Millisecond
		}
		return device.Adapt[httpsend.State](httpsend.New(httpsend.Options{
			ID:      d.ID,
			BaseURL: d.HTTP.BaseURL,
			Timeout: timeout,
			Headers: d.HTTP.Headers,
			Logger:  log,
		})), nil

	default:
		return nil, fmt.Errorf("unknown device type %q", d.Type)
	}
}

// mqttDialer connects a broker client for one device during its Init.
func mqttDialer(cfg config.MQTTConfig, log *logging.Logger) mqttdevice.Dialer {
	return func(ctx context.Context) (mqttdevice.Client, error) {
		client, err := mqtt.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
			"client_id", cfg.Broker.ClientID,
		)
		return client, nil
	}
}

func deviceOptions(cfg *config.Config, d config.DeviceConfig) (conductor.DeviceOptions, error) {
	mode, err := timedqueue.ParseSendMode(d.SendMode)
	if err != nil {
		return conductor.DeviceOptions{}, err
	}
	return conductor.DeviceOptions{
		SendMode:      mode,
		PollCeiling:   cfg.PollCeiling(d),
		SlowThreshold: cfg.SlowCommandThreshold(d),
	}, nil
}
