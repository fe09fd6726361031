package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	serverURL string
	brokerURL string
	si12Name  string
)

var rootCmd = &cobra.Command{
	Use:   "si12ctl",
	Short: "Operate an SI12 mass flow controller rack",
	Long: `si12ctl talks to a running si12 server.

Most commands use the REST API (--server). publish and watch go through
the MQTT bridge (--broker, --name) instead.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getenv("SI12_SERVER", "http://localhost:8080"), "si12 REST base URL")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", getenv("MQTT_URL", "tcp://localhost:1883"), "MQTT broker address")
	rootCmd.PersistentFlags().StringVar(&si12Name, "name", getenv("SI12_NAME", "si12"), "si12 instance name used in MQTT topics")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
