// Package config loads the probe configuration file.
//
// Configuration is YAML with environment variable expansion (${VAR} or $VAR),
// so the same file can be shared between hosts that differ only in the peer
// address.
//
// # Example Configuration
//
//	probe:
//	  peer: 192.0.2.10
//	  ports:
//	    control: 7777
//	    source: 9876
//	    destination: 8765
//	    headSyn: 9999
//	    tailSyn: 8888
//	    result: 7778
//	  payloadSize: 1000
//	  packetCount: 6000
//	  interSendDelay: 200us
//	  ttl: 255
//	  interMeasurementWait: 15s
//
//	responder:
//	  controlPort: 7777
//	  sessionTimeout: 5s
//
//	observability:
//	  metrics:
//	    enabled: true
//	    address: ":9100"
//
// See [Load] for loading configuration from a file.
package config

import (
	"compression-detector/control"
	"compression-detector/detect"
	"compression-detector/types"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Probe         ProbeSection         `yaml:"probe"`
	Responder     ResponderSection     `yaml:"responder"`
	Detector      DetectorSection      `yaml:"detector"`
	Observability ObservabilitySection `yaml:"observability"`
}

// ProbeSection holds the parameters the initiator proposes
type ProbeSection struct {
	Peer  string `yaml:"peer"`
	Ports struct {
		Control     uint16 `yaml:"control"`
		Source      uint16 `yaml:"source"`
		Destination uint16 `yaml:"destination"`
		HeadSyn     uint16 `yaml:"headSyn"`
		TailSyn     uint16 `yaml:"tailSyn"`
		Result      uint16 `yaml:"result"`
	} `yaml:"ports"`
	PayloadSize          int           `yaml:"payloadSize"`
	PacketCount          int           `yaml:"packetCount"`
	InterSendDelay       time.Duration `yaml:"interSendDelay"`
	TTL                  int           `yaml:"ttl"`
	InterMeasurementWait time.Duration `yaml:"interMeasurementWait"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	// FetchResult makes the initiator collect the verdict from the result port
	FetchResult bool `yaml:"fetchResult"`
}

// ResponderSection holds settings for the listening side
type ResponderSection struct {
	ListenAddress    string        `yaml:"listenAddress"`
	ControlPort      uint16        `yaml:"controlPort"`
	SessionTimeout   time.Duration `yaml:"sessionTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ResultWait       time.Duration `yaml:"resultWait"`
	// MaxSessions stops the responder after that many sessions; 0 runs forever
	MaxSessions int `yaml:"maxSessions"`
	Limits      struct {
		MaxPayloadSize          int           `yaml:"maxPayloadSize"`
		MaxPacketCount          int           `yaml:"maxPacketCount"`
		MinInterSendDelay       time.Duration `yaml:"minInterSendDelay"`
		MaxInterMeasurementWait time.Duration `yaml:"maxInterMeasurementWait"`
	} `yaml:"limits"`
	Capture struct {
		Enabled   bool   `yaml:"enabled"`
		Interface string `yaml:"interface"`
	} `yaml:"capture"`
}

// DetectorSection holds verdict thresholds
type DetectorSection struct {
	// Margin is a pointer so an explicit 0 survives defaulting.
	Margin              *float64 `yaml:"margin"`
	MinReceivedFraction float64  `yaml:"minReceivedFraction"`
}

// ObservabilitySection holds logging, metrics and result sink settings
type ObservabilitySection struct {
	Debug   bool `yaml:"debug"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	WebSocket struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"websocket"`
	ResultsFile      string        `yaml:"resultsFile"`
	SessionRetention time.Duration `yaml:"sessionRetention"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Probe.Ports.Control == 0 {
		c.Probe.Ports.Control = 7777
	}
	if c.Probe.Ports.Result == 0 {
		c.Probe.Ports.Result = c.Probe.Ports.Control + 1
	}
	if c.Probe.PayloadSize == 0 {
		c.Probe.PayloadSize = 1000
	}
	if c.Probe.PacketCount == 0 {
		c.Probe.PacketCount = 6000
	}
	if c.Probe.TTL == 0 {
		c.Probe.TTL = 255
	}
	if c.Probe.InterMeasurementWait == 0 {
		c.Probe.InterMeasurementWait = 15 * time.Second
	}
	if c.Probe.HandshakeTimeout == 0 {
		c.Probe.HandshakeTimeout = control.DefaultHandshakeTimeout
	}
	if c.Responder.ControlPort == 0 {
		c.Responder.ControlPort = c.Probe.Ports.Control
	}
	if c.Responder.SessionTimeout == 0 {
		c.Responder.SessionTimeout = 5 * time.Second
	}
	if c.Responder.HandshakeTimeout == 0 {
		c.Responder.HandshakeTimeout = control.DefaultHandshakeTimeout
	}
	if c.Responder.ResultWait == 0 {
		c.Responder.ResultWait = 30 * time.Second
	}
	if c.Responder.Capture.Interface == "" {
		c.Responder.Capture.Interface = "eth0"
	}
	if c.Detector.Margin == nil {
		margin := detect.DefaultMargin
		c.Detector.Margin = &margin
	}
	if c.Detector.MinReceivedFraction == 0 {
		c.Detector.MinReceivedFraction = detect.DefaultMinReceivedFraction
	}
	if c.Observability.Metrics.Address == "" {
		c.Observability.Metrics.Address = ":9100"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.WebSocket.Path == "" {
		c.Observability.WebSocket.Path = "/ws"
	}
	if c.Observability.SessionRetention == 0 {
		c.Observability.SessionRetention = time.Hour
	}
}

func (c *Config) validate() error {
	var errs []error
	if m := *c.Detector.Margin; m < 0 || m >= 1 {
		errs = append(errs, fmt.Errorf("detector.margin must be in [0, 1), got %v", m))
	}
	if c.Detector.MinReceivedFraction <= 0 || c.Detector.MinReceivedFraction > 1 {
		errs = append(errs, fmt.Errorf("detector.minReceivedFraction must be in (0, 1], got %v", c.Detector.MinReceivedFraction))
	}
	if c.Responder.SessionTimeout < 0 || c.Responder.HandshakeTimeout < 0 || c.Probe.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Responder.MaxSessions < 0 {
		errs = append(errs, errors.New("responder.maxSessions must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// ProbeConfig builds the validated, immutable probe parameters. Only the
// initiator needs one; the responder learns its copy from the handshake.
func (c *Config) ProbeConfig() (types.ProbeConfig, error) {
	p := c.Probe
	return types.NewProbeConfigBuilder().
		Peer(p.Peer).
		Ports(types.Ports{
			Control:     p.Ports.Control,
			Source:      p.Ports.Source,
			Destination: p.Ports.Destination,
			HeadSyn:     p.Ports.HeadSyn,
			TailSyn:     p.Ports.TailSyn,
			Result:      p.Ports.Result,
		}).
		PayloadSize(p.PayloadSize).
		PacketCount(p.PacketCount).
		InterSendDelay(p.InterSendDelay).
		TTL(p.TTL).
		InterMeasurementWait(p.InterMeasurementWait).
		Build()
}

func (c *Config) Limits() control.Limits {
	l := c.Responder.Limits
	return control.Limits{
		MaxPayloadSize:          l.MaxPayloadSize,
		MaxPacketCount:          l.MaxPacketCount,
		MinInterSendDelay:       l.MinInterSendDelay,
		MaxInterMeasurementWait: l.MaxInterMeasurementWait,
	}
}

func (c *Config) DetectOptions() detect.Options {
	return detect.Options{
		Margin:              c.Detector.Margin,
		MinReceivedFraction: c.Detector.MinReceivedFraction,
	}
}
