// Package testutil holds shared test fixtures.
package testutil

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/HerbHall/netmedic/pkg/models"
)

// NewDevice returns a Device with sensible defaults, suitable for test fixtures.
// Override individual fields with options.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		ID:          "dev-" + uuid.New().String()[:8],
		Host:        "192.168.1.1",
		DeviceType:  models.DeviceTypeRouter,
		ProbeMethod: models.ProbeICMP,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithID sets the device ID.
func WithID(id string) func(*models.Device) {
	return func(d *models.Device) { d.ID = id }
}

// WithHost sets the device host.
func WithHost(host string) func(*models.Device) {
	return func(d *models.Device) { d.Host = host }
}

// WithTCPProbe switches the device to a TCP connect probe on port.
func WithTCPProbe(port int) func(*models.Device) {
	return func(d *models.Device) {
		d.ProbeMethod = models.ProbeTCP
		d.ProbePort = port
	}
}

// WithHTTPProbe switches the device to an HTTP probe of url.
func WithHTTPProbe(url string) func(*models.Device) {
	return func(d *models.Device) {
		d.ProbeMethod = models.ProbeHTTP
		d.ProbeURL = url
	}
}

// WithRemediation enables password-authenticated SSH remediation running
// commands.
func WithRemediation(commands ...string) func(*models.Device) {
	return func(d *models.Device) {
		d.Remediation = models.Remediation{
			Enabled:  true,
			Port:     22,
			Username: "netmedic",
			Password: "test-password",
			Commands: commands,
		}
	}
}

// DeviceYAML renders devices as the "devices:" section of a config file.
func DeviceYAML(devices ...models.Device) string {
	var b strings.Builder
	b.WriteString("devices:\n")
	for _, d := range devices {
		b.WriteString("  - id: " + d.ID + "\n")
		b.WriteString("    host: " + d.Host + "\n")
		if d.ProbeMethod != "" {
			b.WriteString("    probe_method: " + string(d.ProbeMethod) + "\n")
		}
		if d.ProbePort != 0 {
			b.WriteString("    probe_port: " + strconv.Itoa(d.ProbePort) + "\n")
		}
		if d.ProbeURL != "" {
			b.WriteString("    probe_url: " + d.ProbeURL + "\n")
		}
		if r := d.Remediation; r.Enabled {
			b.WriteString("    remediation:\n")
			b.WriteString("      enabled: true\n")
			b.WriteString("      username: " + r.Username + "\n")
			b.WriteString("      password: " + r.Password + "\n")
			b.WriteString("      commands:\n")
			for _, c := range r.Commands {
				b.WriteString("        - \"" + c + "\"\n")
			}
		}
	}
	return b.String()
}
