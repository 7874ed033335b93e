package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Host    HostConfig    `yaml:"host"`
	Client  ClientConfig  `yaml:"client"`
	Trust   TrustConfig   `yaml:"trust"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// HostConfig host side listeners, liveness and encoder settings
type HostConfig struct {
	BindAddr      string `yaml:"bind_addr"`      // Address all host listeners bind to (e.g., "0.0.0.0")
	HandshakePort int    `yaml:"handshake_port"` // TCP handshake port
	ControlPort   int    `yaml:"control_port"`   // UDP control channel port
	HeartbeatPort int    `yaml:"heartbeat_port"` // UDP heartbeat port
	VideoBasePort int    `yaml:"video_base_port"`
	AudioPort     int    `yaml:"audio_port"`

	HandshakeReadTimeout int `yaml:"handshake_read_timeout"` // Seconds to wait for the greeting line
	HeartbeatInterval    int `yaml:"heartbeat_interval"`     // Seconds between PING probes
	HeartbeatTimeout     int `yaml:"heartbeat_timeout"`      // Seconds without PONG before streams stop
	ReconnectWindow      int `yaml:"reconnect_window"`       // Seconds a stalled session may resume without a handshake
	StopGraceMillis      int `yaml:"stop_grace_ms"`          // Per-worker wait after SIGTERM before SIGKILL
	StopTimeoutMillis    int `yaml:"stop_timeout_ms"`        // Bound on joining all workers after SIGKILL

	// Encoder configuration
	Encoder     string `yaml:"encoder"` // h.264 or h.265
	HWEnc       string `yaml:"hwenc"`   // auto, nvenc, qsv, vaapi, cpu
	Framerate   int    `yaml:"framerate"`
	Bitrate     string `yaml:"bitrate"` // e.g. "8M", "2500k"
	Audio       bool   `yaml:"audio"`
	Display     string `yaml:"display"`
	Preset      string `yaml:"preset"`
	GOP         int    `yaml:"gop"`
	QP          string `yaml:"qp"`
	Tune        string `yaml:"tune"`
	PixFmt      string `yaml:"pix_fmt"`
	MTU         int    `yaml:"mtu"`
	NetMode     string `yaml:"net_mode"`     // lan or wifi until the client announces otherwise
	Marker      string `yaml:"marker"`       // ffmpeg metadata comment marker
	Monitors    string `yaml:"monitors"`     // Optional fixed geometry "WxH+X+Y;..." (skips xrandr)
	CPUAffinity []int  `yaml:"cpu_affinity"` // Optional CPU set pinned for encoder processes

	ExitOnStreamFailure bool `yaml:"exit_on_stream_failure"` // Terminate the process instead of returning to idle
}

// ClientConfig client side settings
type ClientConfig struct {
	HostAddr          string `yaml:"host_addr"` // Host IP or name (required)
	PIN               string `yaml:"pin"`       // PIN for PIN mode; empty means certificate mode
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	Hwaccel           string `yaml:"hwaccel"`  // auto, vaapi, qsv, cuda, cpu
	NetMode           string `yaml:"net_mode"` // lan, wifi, or empty for detection
	Audio             bool   `yaml:"audio"`
	HandshakeTimeout  int    `yaml:"handshake_timeout"`  // Seconds
	KeepaliveInterval int    `yaml:"keepalive_interval"` // Seconds between unsolicited PONGs when no PING is heard
	LostAfter         int    `yaml:"lost_after"`         // Seconds without PING before the link is reported lost
	MetricsAddress    string `yaml:"metrics_address"`    // Optional metrics listener for the client
}

// TrustConfig trust store and PIN policy
type TrustConfig struct {
	Dir              string `yaml:"dir"`                // Directory holding trusted_clients.json and the host CA
	PINRotateSeconds int    `yaml:"pin_rotate_seconds"` // PIN lifetime
	TLS              bool   `yaml:"tls"`                // Serve the handshake over mutual TLS
	RequireCert      bool   `yaml:"require_cert"`       // Reject PASSWORD greetings entirely
	AutoEnroll       bool   `yaml:"auto_enroll"`        // Enroll a presented certificate after a successful PIN handshake
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig metrics listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration with defaults and environment overrides applied
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Host.BindAddr == "" {
		c.Host.BindAddr = "0.0.0.0"
	}
	if c.Host.HandshakePort == 0 {
		c.Host.HandshakePort = 7001
	}
	if c.Host.ControlPort == 0 {
		c.Host.ControlPort = 7000
	}
	if c.Host.HeartbeatPort == 0 {
		c.Host.HeartbeatPort = 7004
	}
	if c.Host.VideoBasePort == 0 {
		c.Host.VideoBasePort = 5000
	}
	if c.Host.AudioPort == 0 {
		c.Host.AudioPort = 6001
	}
	if c.Host.HandshakeReadTimeout == 0 {
		c.Host.HandshakeReadTimeout = 10
	}
	if c.Host.HeartbeatInterval == 0 {
		c.Host.HeartbeatInterval = 1
	}
	if c.Host.HeartbeatTimeout == 0 {
		c.Host.HeartbeatTimeout = 10
	}
	if c.Host.ReconnectWindow == 0 {
		c.Host.ReconnectWindow = 30
	}
	if c.Host.StopGraceMillis == 0 {
		c.Host.StopGraceMillis = 1500
	}
	if c.Host.StopTimeoutMillis == 0 {
		c.Host.StopTimeoutMillis = 2000
	}
	if c.Host.Encoder == "" || strings.EqualFold(c.Host.Encoder, "none") {
		c.Host.Encoder = "h.264"
	}
	if c.Host.HWEnc == "" {
		c.Host.HWEnc = "auto"
	}
	if c.Host.Framerate == 0 {
		c.Host.Framerate = 60
	}
	if c.Host.Bitrate == "" {
		c.Host.Bitrate = "8M"
	}
	if c.Host.Display == "" {
		c.Host.Display = ":0"
	}
	if c.Host.GOP == 0 {
		c.Host.GOP = 30
	}
	if c.Host.PixFmt == "" {
		c.Host.PixFmt = "yuv420p"
	}
	if c.Host.MTU == 0 {
		c.Host.MTU = 1500
	}
	if c.Host.NetMode == "" {
		c.Host.NetMode = "lan"
	}
	if c.Host.Marker == "" {
		c.Host.Marker = "LinuxPlayHost"
	}

	if c.Client.Hwaccel == "" {
		c.Client.Hwaccel = "auto"
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = 5
	}
	if c.Client.KeepaliveInterval == 0 {
		c.Client.KeepaliveInterval = 2
	}
	if c.Client.LostAfter == 0 {
		c.Client.LostAfter = 6
	}

	if c.Trust.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			c.Trust.Dir = filepath.Join(home, ".linuxplay")
		} else {
			c.Trust.Dir = ".linuxplay"
		}
	}
	if c.Trust.PINRotateSeconds == 0 {
		c.Trust.PINRotateSeconds = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// HandshakeAddr returns the TCP handshake listen address
func (c *Config) HandshakeAddr() string {
	return joinHostPort(c.Host.BindAddr, c.Host.HandshakePort)
}

// ControlAddr returns the UDP control listen address
func (c *Config) ControlAddr() string {
	return joinHostPort(c.Host.BindAddr, c.Host.ControlPort)
}

// HeartbeatAddr returns the UDP heartbeat listen address
func (c *Config) HeartbeatAddr() string {
	return joinHostPort(c.Host.BindAddr, c.Host.HeartbeatPort)
}

// TrustStorePath returns the trusted clients document path
func (c *Config) TrustStorePath() string {
	return filepath.Join(c.Trust.Dir, "trusted_clients.json")
}

// PINFilePath returns where a running host publishes its current PIN
func (c *Config) PINFilePath() string {
	return filepath.Join(c.Trust.Dir, "pin.json")
}

// GetHandshakeReadTimeout gets the greeting read timeout
func (c *Config) GetHandshakeReadTimeout() time.Duration {
	return time.Duration(c.Host.HandshakeReadTimeout) * time.Second
}

// GetHeartbeatInterval gets the PING interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Host.HeartbeatInterval) * time.Second
}

// GetHeartbeatTimeout gets the liveness timeout
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.Host.HeartbeatTimeout) * time.Second
}

// GetReconnectWindow gets the window in which a stalled session may resume
func (c *Config) GetReconnectWindow() time.Duration {
	return time.Duration(c.Host.ReconnectWindow) * time.Second
}

// GetStopGrace gets the per-worker SIGTERM grace period
func (c *Config) GetStopGrace() time.Duration {
	return time.Duration(c.Host.StopGraceMillis) * time.Millisecond
}

// GetStopTimeout gets the bound on the final join after SIGKILL
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Host.StopTimeoutMillis) * time.Millisecond
}

// GetPINRotateInterval gets the PIN lifetime
func (c *Config) GetPINRotateInterval() time.Duration {
	return time.Duration(c.Trust.PINRotateSeconds) * time.Second
}

// GetClientHandshakeTimeout gets the client dial/read timeout for the handshake
func (c *Config) GetClientHandshakeTimeout() time.Duration {
	return time.Duration(c.Client.HandshakeTimeout) * time.Second
}

// GetKeepaliveInterval gets the client unsolicited PONG interval
func (c *Config) GetKeepaliveInterval() time.Duration {
	return time.Duration(c.Client.KeepaliveInterval) * time.Second
}

// GetLostAfter gets how long the client waits for a PING before reporting the link lost
func (c *Config) GetLostAfter() time.Duration {
	return time.Duration(c.Client.LostAfter) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("LINUXPLAY_BIND_ADDR"); val != "" {
		c.Host.BindAddr = val
	}
	if val := os.Getenv("LINUXPLAY_ENCODER"); val != "" {
		c.Host.Encoder = strings.ToLower(val)
	}
	if val := os.Getenv("LINUXPLAY_HWENC"); val != "" {
		c.Host.HWEnc = strings.ToLower(val)
	}
	if val := os.Getenv("LINUXPLAY_BITRATE"); val != "" {
		c.Host.Bitrate = val
	}
	if val := os.Getenv("LINUXPLAY_FRAMERATE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Host.Framerate = i
		}
	}
	if val := os.Getenv("LINUXPLAY_DISPLAY"); val != "" {
		c.Host.Display = val
	} else if val := os.Getenv("DISPLAY"); val != "" && c.Host.Display == ":0" {
		c.Host.Display = val
	}
	if val := os.Getenv("LINUXPLAY_MARKER"); val != "" {
		c.Host.Marker = val
	}
	if val := os.Getenv("LINUXPLAY_MONITORS"); val != "" {
		c.Host.Monitors = val
	}
	if val := os.Getenv("LINUXPLAY_HEARTBEAT_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Host.HeartbeatTimeout = i
		}
	}
	if val := os.Getenv("LINUXPLAY_RECONNECT_WINDOW_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Host.ReconnectWindow = i
		}
	}

	// Client config
	if val := os.Getenv("LINUXPLAY_HOST"); val != "" {
		c.Client.HostAddr = val
	}
	if val := os.Getenv("LINUXPLAY_PIN"); val != "" {
		c.Client.PIN = val
	}
	if val := os.Getenv("LINUXPLAY_HWACCEL"); val != "" {
		c.Client.Hwaccel = strings.ToLower(val)
	}
	if val := os.Getenv("LINUXPLAY_NET_MODE"); val != "" {
		c.Client.NetMode = strings.ToLower(val)
	}

	// Trust config
	if val := os.Getenv("LINUXPLAY_TRUST_DIR"); val != "" {
		c.Trust.Dir = val
	}
	if val := os.Getenv("LINUXPLAY_PIN_ROTATE_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Trust.PINRotateSeconds = i
		}
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Metrics config
	if val := os.Getenv("LINUXPLAY_METRICS_ADDR"); val != "" {
		c.Metrics.ListenAddress = val
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
