package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/fisaks/si12/internal/transport"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("240"))
	cellStyle     = lipgloss.NewStyle().PaddingRight(2)
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	inactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

type column struct {
	title string
	width int
}

var snapshotColumns = []column{
	{"#", 3}, {"Tag", 9}, {"On", 4}, {"Gas", 8}, {"SP %", 7},
	{"Flow", 16}, {"Full scale", 16}, {"Temp", 12}, {"Total", 14},
	{"Valve", 11}, {"Ramp", 8},
}

func row(cols []column, cells []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%-*s", c.width, cells[i])
	}
	return strings.Join(parts, " ")
}

func reading(r mfc.Reading) string {
	if r.Unit == mfc.UnknownUnit {
		return mfc.UnknownUnit
	}
	return fmt.Sprintf("%.3f %s", r.Value, r.Unit)
}

func selectedGas(d supervisor.DeviceView) string {
	if d.SelectedGas == nil {
		return "-"
	}
	i := *d.SelectedGas - 1
	if i >= 0 && i < len(d.Gases) {
		return d.Gases[i]
	}
	return fmt.Sprintf("gas %d", *d.SelectedGas)
}

func renderSnapshot(snap supervisor.Snapshot) string {
	var b strings.Builder
	if snap.Connected {
		fmt.Fprintf(&b, "Connected to %s\n\n", snap.Port)
	} else {
		b.WriteString("Not connected\n\n")
	}

	titles := make([]string, len(snapshotColumns))
	for i, c := range snapshotColumns {
		titles[i] = c.title
	}
	b.WriteString(headerStyle.Render(row(snapshotColumns, titles)))
	b.WriteString("\n")

	for _, d := range snap.Devices {
		on := "off"
		style := inactiveStyle
		if d.Active {
			on = "on"
			style = activeStyle
		}
		ramp := "off"
		if d.Ramp.Active {
			ramp = fmt.Sprintf("%.1fs", d.Ramp.TimeS)
		}
		cells := []string{
			fmt.Sprint(d.Index), d.Tag, on, selectedGas(d),
			fmt.Sprintf("%.1f", d.Setpoint),
			reading(d.Measure), reading(d.FullScale), reading(d.Temperature), reading(d.Total),
			d.Valve, ramp,
		}
		b.WriteString(style.Render(cellStyle.Render(row(snapshotColumns, cells))))
		b.WriteString("\n")
	}
	return b.String()
}

func renderPorts(ports []transport.PortInfo) string {
	if len(ports) == 0 {
		return "No serial ports found\n"
	}
	cols := []column{{"Port", 20}, {"USB", 4}, {"VID:PID", 10}, {"Serial", 16}, {"Product", 24}}
	titles := []string{"Port", "USB", "VID:PID", "Serial", "Product"}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d serial port(s):\n\n", len(ports))
	b.WriteString(headerStyle.Render(row(cols, titles)))
	b.WriteString("\n")
	for _, p := range ports {
		usb, ids := "no", ""
		if p.IsUSB {
			usb = "yes"
			ids = p.VendorID + ":" + p.ProductID
		}
		b.WriteString(cellStyle.Render(row(cols, []string{p.Name, usb, ids, p.SerialNumber, p.Product})))
		b.WriteString("\n")
	}
	return b.String()
}

func renderError(err error) string {
	return errorStyle.Render("error: " + err.Error())
}
