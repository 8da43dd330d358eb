// Package config loads beam settings from defaults, an optional YAML file
// and BEAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/zsiec/beam/internal/capture"
	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/wire"
)

// EnvPrefix prefixes every environment variable, e.g. BEAM_HOST_CONTROL_ADDR.
const EnvPrefix = "BEAM"

// Config is the full beam configuration.
type Config struct {
	Debug  bool         `mapstructure:"debug"`
	Host   HostConfig   `mapstructure:"host"`
	Client ClientConfig `mapstructure:"client"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// HostConfig configures `beam host`.
type HostConfig struct {
	ControlAddr   string        `mapstructure:"control_addr"`
	MediaAddr     string        `mapstructure:"media_addr"`
	StatusAddr    string        `mapstructure:"status_addr"`
	Transport     string        `mapstructure:"transport"`
	CertDir       string        `mapstructure:"cert_dir"`
	CertValidity  time.Duration `mapstructure:"cert_validity"`
	Width         int           `mapstructure:"width"`
	Height        int           `mapstructure:"height"`
	FrameRate     int           `mapstructure:"frame_rate"`
	Latency       string        `mapstructure:"latency"`
	Target        string        `mapstructure:"target"`
	GOP           int           `mapstructure:"gop"`
	Audio         bool          `mapstructure:"audio"`
	MaxClients    int           `mapstructure:"max_clients"`
	MaxPacketSize int           `mapstructure:"max_packet_size"`
}

// ClientConfig configures `beam client`.
type ClientConfig struct {
	Host         string        `mapstructure:"host"`
	Fingerprint  string        `mapstructure:"fingerprint"`
	DeviceID     string        `mapstructure:"device_id"`
	DeviceIDFile string        `mapstructure:"device_id_file"`
	DeviceName   string        `mapstructure:"device_name"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("debug", false)

	v.SetDefault("host.control_addr", ":7400")
	v.SetDefault("host.media_addr", ":7401")
	v.SetDefault("host.status_addr", ":7480")
	v.SetDefault("host.transport", "udp")
	v.SetDefault("host.cert_dir", filepath.Join(xdg.DataHome, "beam", "certs"))
	v.SetDefault("host.cert_validity", certs.DefaultValidity)
	v.SetDefault("host.width", 1920)
	v.SetDefault("host.height", 1080)
	v.SetDefault("host.frame_rate", 60)
	v.SetDefault("host.latency", "auto")
	v.SetDefault("host.target", "display")
	v.SetDefault("host.gop", 120)
	v.SetDefault("host.audio", true)
	v.SetDefault("host.max_clients", 4)
	v.SetDefault("host.max_packet_size", 0)

	v.SetDefault("client.host", "127.0.0.1:7400")
	v.SetDefault("client.fingerprint", "")
	v.SetDefault("client.device_id", "")
	v.SetDefault("client.device_id_file", filepath.Join(xdg.StateHome, "beam", "device-id"))
	v.SetDefault("client.device_name", hostname)
	v.SetDefault("client.frame_timeout", 500*time.Millisecond)
}

// Load reads configuration. An explicit path must exist; otherwise
// config.yaml is searched for in the working directory, the XDG config
// directory and /etc/beam, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range []string{".", filepath.Join(xdg.ConfigHome, "beam"), "/etc/beam"} {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// CaptureSettings converts the host capture options.
func (h HostConfig) CaptureSettings() (capture.Settings, error) {
	if h.Width <= 0 || h.Height <= 0 {
		return capture.Settings{}, fmt.Errorf("invalid capture size %dx%d", h.Width, h.Height)
	}
	if h.FrameRate <= 0 {
		return capture.Settings{}, fmt.Errorf("invalid frame rate %d", h.FrameRate)
	}
	latency, err := capture.ParseLatencyMode(h.Latency)
	if err != nil {
		return capture.Settings{}, err
	}
	target, err := capture.ParseTarget(h.Target)
	if err != nil {
		return capture.Settings{}, err
	}
	return capture.Settings{
		Width:     h.Width,
		Height:    h.Height,
		FrameRate: h.FrameRate,
		Latency:   latency,
		Target:    target,
	}, nil
}

// MediaTransport parses the configured transport.
func (h HostConfig) MediaTransport() (wire.MediaTransport, error) {
	return wire.ParseMediaTransport(h.Transport)
}

// PinnedFingerprint parses the configured host fingerprint. Empty means
// trust on first use.
func (c ClientConfig) PinnedFingerprint() ([32]byte, error) {
	if c.Fingerprint == "" {
		return [32]byte{}, nil
	}
	return certs.ParseFingerprint(c.Fingerprint)
}

// ResolveDeviceID returns the configured device ID, or the one persisted in
// DeviceIDFile, creating it on first use.
func (c ClientConfig) ResolveDeviceID() (uuid.UUID, error) {
	if c.DeviceID != "" {
		id, err := uuid.Parse(c.DeviceID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("device id: %w", err)
		}
		return id, nil
	}
	if c.DeviceIDFile == "" {
		return uuid.New(), nil
	}

	data, err := os.ReadFile(c.DeviceIDFile)
	switch {
	case err == nil:
		id, perr := uuid.Parse(strings.TrimSpace(string(data)))
		if perr != nil {
			return uuid.Nil, fmt.Errorf("device id file %s: %w", c.DeviceIDFile, perr)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return uuid.Nil, fmt.Errorf("read device id: %w", err)
	}

	id := uuid.New()
	if err := os.MkdirAll(filepath.Dir(c.DeviceIDFile), 0o700); err != nil {
		return uuid.Nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(c.DeviceIDFile, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
