package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/si12/internal/api"
	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/messaging"
	"github.com/fisaks/si12/internal/settings"
	"github.com/fisaks/si12/internal/supervisor"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("SI12_CONFIG_PATH", "/etc/si12/si12.json")

	logging.Init()
	cfg, err := config.LoadSupervisorConfig(path)
	if err != nil {
		logging.Fatal("config error", "error", err)
	}

	// Environment wins over the file.
	mqttURL := getenv("MQTT_URL", cfg.MQTT.URL)
	name := getenv("SI12_NAME", cfg.MQTT.Name)
	if name == "" {
		name = "si12"
	}
	listen := getenv("HTTP_LISTEN", cfg.HTTP.Listen)
	autoPort := getenv("SI12_PORT", cfg.Serial.Port)

	settingsPath := cfg.SettingsPath
	if settingsPath == "" {
		settingsPath = settings.DefaultPath()
	}
	store := settings.Open(settingsPath, cfg.Channels)

	logging.Info("Loaded config",
		"channels", cfg.Channels,
		"driver", cfg.Driver.Type,
		"pollMs", cfg.PollIntervalMs,
		"settings", store.Path(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []supervisor.Option
	var bridge *messaging.SupervisorBroker
	var broker *messaging.MsgBroker
	if mqttURL != "" {
		prefix := "si12/" + name
		broker = messaging.NewMsgBroker(messaging.BrokerConfig{
			BrokerURL:        mqttURL,
			ClientName:       name,
			TopicPrefix:      prefix,
			ConnectTimeout:   10 * time.Second,
			PublishTimeout:   5 * time.Second,
			SubscribeTimeout: 5 * time.Second,
			ConnectRetry:     true,
			WillTopic:        prefix + "/connection",
			WillPayload:      []byte(`{"connected":false}`),
		})
		bridge = messaging.NewSupervisorBroker(broker, cfg.MQTT.Heartbeat())
		opts = append(opts, supervisor.WithPublisher(bridge))
	}

	sup := supervisor.New(cfg, store.Labels(), opts...)
	control := api.New(sup, store)

	if bridge != nil {
		err := broker.Connect(ctx)
		switch {
		case errors.Is(err, messaging.ErrConnectPending):
			logging.Warn("mqtt broker not reachable yet, retrying in background", "broker", mqttURL)
		case err != nil:
			logging.Error("mqtt unavailable, bridge disabled", "error", err)
		}
		if err == nil || errors.Is(err, messaging.ErrConnectPending) {
			if err := bridge.StartCommandSubscriber(ctx, control); err != nil {
				logging.Error("mqtt cmd subscribe failed", "error", err)
			}
		}
		go bridge.Run(ctx, cfg.PollInterval())
		defer func() {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
			defer cancelClose()
			_ = broker.Close(closeCtx)
		}()
	}

	if listen != "" {
		go func() {
			if err := api.ListenAndServe(ctx, listen, api.NewHandler(control)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("REST API stopped", "error", err)
			}
		}()
	}

	if autoPort != "" {
		if _, err := control.Connect(autoPort); err != nil {
			logging.Error("auto-connect failed", "port", autoPort, "error", err)
		}
	}

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	sup.Disconnect()
	cancel()
	time.Sleep(200 * time.Millisecond)
	logging.Info("bye")
}
