package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/si12/internal/messaging"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/spf13/cobra"
)

func connectMQTT(clientPrefix string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", clientPrefix, time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, token.Error())
	}
	return client, nil
}

func publishCmd() *cobra.Command {
	var cmdMsg messaging.Command
	var value, rampTime string

	c := &cobra.Command{
		Use:   "publish <action>",
		Short: "Send a command through the MQTT bridge",
		Long: `Publish one command to si12/<name>/cmd.

Actions: connect, disconnect, toggle, setpoint, valve, reset_total, ramp,
gas, label. --value carries the port, setpoint, valve action, gas or label.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdMsg.Action = args[0]
			if value != "" {
				cmdMsg.Value = value
			}
			if rampTime != "" {
				cmdMsg.Time = rampTime
			}
			payload, err := json.Marshal(cmdMsg)
			if err != nil {
				return err
			}

			client, err := connectMQTT("si12ctl")
			if err != nil {
				return err
			}
			defer client.Disconnect(250)

			topic := "si12/" + si12Name + "/cmd"
			token := client.Publish(topic, byte(messaging.AtLeastOnce), false, payload)
			token.Wait()
			if token.Error() != nil {
				return fmt.Errorf("mqtt publish: %w", token.Error())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", payload, topic)
			return nil
		},
	}
	c.Flags().IntVarP(&cmdMsg.Index, "index", "i", 0, "channel index")
	c.Flags().BoolVar(&cmdMsg.Active, "active", false, "on/off for toggle and ramp")
	c.Flags().StringVarP(&value, "value", "v", "", "command value")
	c.Flags().StringVar(&rampTime, "time", "", "ramp time in seconds")
	return c
}

// formatMessage renders one bridge message as a single line. Channel state
// is summarized; anything else is printed compacted.
func formatMessage(topic string, payload []byte) string {
	if strings.HasSuffix(topic, "/state") {
		var v supervisor.DeviceView
		if err := json.Unmarshal(payload, &v); err == nil {
			on := "off"
			if v.Active {
				on = "on"
			}
			return fmt.Sprintf("%s [%d %s %s] sp=%.1f%% flow=%s total=%s valve=%s",
				topic, v.Index, strings.TrimRight(v.Tag, "_"), on, v.Setpoint, reading(v.Measure), reading(v.Total), v.Valve)
		}
	}
	var obj any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Sprintf("%s %s", topic, payload)
	}
	out, _ := json.Marshal(obj)
	return fmt.Sprintf("%s %s", topic, out)
}

func watchCmd() *cobra.Command {
	var topic string
	c := &cobra.Command{
		Use:   "watch",
		Short: "Print bridge messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				topic = "si12/" + si12Name + "/#"
			}
			client, err := connectMQTT("si12ctl-watch")
			if err != nil {
				return err
			}
			defer client.Disconnect(200)

			out := cmd.OutOrStdout()
			handler := func(_ mqtt.Client, msg mqtt.Message) {
				fmt.Fprintln(out, formatMessage(msg.Topic(), msg.Payload()))
			}
			if token := client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
				return token.Error()
			}
			fmt.Fprintf(out, "Connected to %s, subscribed to %s\n", brokerURL, topic)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	c.Flags().StringVarP(&topic, "topic", "t", "", "topic filter (default si12/<name>/#)")
	return c
}

func init() {
	rootCmd.AddCommand(publishCmd(), watchCmd())
}
