package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/fisaks/si12/internal/api"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/spf13/cobra"
)

func parseIdx(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("channel index %q is not a number", s)
	}
	return idx, nil
}

func onOff(s string) (bool, error) {
	switch s {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}

// printResult renders the snapshot that came back with a mutating call,
// then reports the error, if any.
func printResult(cmd *cobra.Command, snap *supervisor.Snapshot, err error) error {
	if snap != nil {
		fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(*snap))
	}
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), renderError(err))
		return err
	}
	return nil
}

// deviceCmd builds a "<use> <index> [arg]" command that hits one channel route.
func deviceCmd(use, short string, nargs int, method, route string, body func(args []string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIdx(args[0])
			if err != nil {
				return err
			}
			var payload any
			if body != nil {
				if payload, err = body(args[1:]); err != nil {
					return err
				}
			}
			snap, err := newRESTClient(serverURL).mutate(cmd.Context(), method, devicePath(idx, route), payload)
			return printResult(cmd, snap, err)
		},
	}
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show server name, version and settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newRESTClient(serverURL).info(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s, %d channels, theme %s\n", info.Name, info.Version, info.Max, info.Settings.Theme)
		for i, l := range info.Settings.Labels {
			fmt.Fprintf(cmd.OutOrStdout(), "  %2d  %s\n", i, l)
		}
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports seen by the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := newRESTClient(serverURL).ports(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderPorts(ports))
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"status"},
	Short:   "Show all channels",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newRESTClient(serverURL).snapshot(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(snap))
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <port>",
	Short: "Open the serial bus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newRESTClient(serverURL).mutate(cmd.Context(), http.MethodPost, "/api/connect", api.ConnectRequest{Port: args[0]})
		return printResult(cmd, snap, err)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Stop polling and close the serial bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newRESTClient(serverURL).mutate(cmd.Context(), http.MethodPost, "/api/disconnect", nil)
		return printResult(cmd, snap, err)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <index>",
	Short: "Print the measured flow and setpoint trend of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseIdx(args[0])
		if err != nil {
			return err
		}
		h, err := newRESTClient(serverURL).history(cmd.Context(), idx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "channel %d: %d measurements, %d setpoints\n", h.Index, len(h.Measurement), len(h.Setpoint))
		for _, s := range h.Measurement {
			fmt.Fprintf(out, "%s  %.3f\n", s.Time.Format("15:04:05"), s.Value)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(
		infoCmd, portsCmd, snapshotCmd, connectCmd, disconnectCmd, historyCmd,
		deviceCmd("toggle <index> <on|off>", "Activate or deactivate a channel", 2, http.MethodPost, "toggle",
			func(args []string) (any, error) {
				on, err := onOff(args[0])
				return api.ToggleRequest{On: on}, err
			}),
		deviceCmd("setpoint <index> <percent>", "Set the flow setpoint in percent of full scale", 2, http.MethodPut, "setpoint",
			func(args []string) (any, error) { return api.SetpointRequest{Value: args[0]}, nil }),
		deviceCmd("valve <index> <Opening|Closing|Regulating>", "Override the valve", 2, http.MethodPut, "valve",
			func(args []string) (any, error) { return api.ValveRequest{Action: args[0]}, nil }),
		deviceCmd("gas <index> <name>", "Select a gas from the channel's menu", 2, http.MethodPut, "gas",
			func(args []string) (any, error) { return api.GasRequest{Gas: args[0]}, nil }),
		deviceCmd("label <index> <tag>", "Set the channel tag", 2, http.MethodPut, "label",
			func(args []string) (any, error) { return api.LabelRequest{Label: args[0]}, nil }),
		deviceCmd("reset-total <index>", "Reset the totalizer", 1, http.MethodPost, "totalizer/reset", nil),
		rampCmd(),
	)
}

func rampCmd() *cobra.Command {
	var seconds string
	c := deviceCmd("ramp <index> <on|off>", "Enable or disable setpoint ramping", 2, http.MethodPut, "ramp",
		func(args []string) (any, error) {
			on, err := onOff(args[0])
			return api.RampRequest{Active: on, Time: seconds}, err
		})
	c.Flags().StringVarP(&seconds, "time", "t", "1", "ramp time in seconds")
	return c
}
