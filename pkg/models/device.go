package models

// DeviceType categorizes a monitored network device.
type DeviceType string

const (
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeFirewall    DeviceType = "firewall"
	DeviceTypeAccessPoint DeviceType = "access_point"
	DeviceTypeServer      DeviceType = "server"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// Valid reports whether dt is one of the known device types.
func (dt DeviceType) Valid() bool {
	switch dt {
	case DeviceTypeRouter, DeviceTypeSwitch, DeviceTypeFirewall,
		DeviceTypeAccessPoint, DeviceTypeServer, DeviceTypeUnknown:
		return true
	}
	return false
}

// ProbeMethod selects how a device's reachability is checked.
type ProbeMethod string

const (
	ProbeICMP ProbeMethod = "icmp"
	ProbeTCP  ProbeMethod = "tcp"
	// ProbeHTTP issues a GET against the device's management endpoint.
	ProbeHTTP ProbeMethod = "http"
)

// Device is a monitored network device. Devices are loaded from
// configuration at startup and never change while the process runs.
type Device struct {
	ID          string            `json:"id" mapstructure:"id" example:"core-rtr-01"`
	Host        string            `json:"host" mapstructure:"host" example:"192.168.1.1"`
	DeviceType  DeviceType        `json:"device_type" mapstructure:"device_type" example:"router"`
	Platform    string            `json:"platform,omitempty" mapstructure:"platform" example:"cisco_ios"`
	ProbeMethod ProbeMethod       `json:"probe_method" mapstructure:"probe_method" example:"icmp"`
	ProbePort   int               `json:"probe_port,omitempty" mapstructure:"probe_port" example:"22"`
	ProbeURL    string            `json:"probe_url,omitempty" mapstructure:"probe_url" example:"https://192.168.1.1/health"`
	Labels      map[string]string `json:"labels,omitempty" mapstructure:"labels"`

	// Remediation holds the management-session profile. Never serialized.
	Remediation Remediation `json:"-" mapstructure:"remediation"`
}

// Remediation describes how a device is remediated when it stays down.
type Remediation struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	PrivateKeyPath string   `mapstructure:"private_key_path"`
	KnownHostsPath string   `mapstructure:"known_hosts_path"`
	Commands       []string `mapstructure:"commands"`
}

// RemediationEnabled reports whether automated remediation is configured
// for the device.
func (d *Device) RemediationEnabled() bool {
	return d.Remediation.Enabled && len(d.Remediation.Commands) > 0
}
