package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// MaxPayloadSize is the largest UDP payload an IPv4 datagram can carry.
	MaxPayloadSize = 65507
	MinPayloadSize = SeqIDSize + 1
	MaxPacketCount = 1 << 24
)

// Ports negotiated for one session. HeadSyn and TailSyn are carried for the
// SYN-bracketed probe variant and are validated but not dialled.
type Ports struct {
	Control     uint16
	Source      uint16
	Destination uint16
	HeadSyn     uint16
	TailSyn     uint16
	Result      uint16
}

// ProbeConfig is the immutable parameter set of one probing session. Build
// one with ProbeConfigBuilder; the zero value is not valid.
type ProbeConfig struct {
	peer                 string
	ports                Ports
	payloadSize          int
	packetCount          int
	interSendDelay       time.Duration
	ttl                  int
	interMeasurementWait time.Duration
}

func (c ProbeConfig) Peer() string                        { return c.peer }
func (c ProbeConfig) Ports() Ports                        { return c.ports }
func (c ProbeConfig) PayloadSize() int                    { return c.payloadSize }
func (c ProbeConfig) PacketCount() int                    { return c.packetCount }
func (c ProbeConfig) InterSendDelay() time.Duration       { return c.interSendDelay }
func (c ProbeConfig) TTL() int                            { return c.ttl }
func (c ProbeConfig) InterMeasurementWait() time.Duration { return c.interMeasurementWait }

// PayloadBodySize is the number of payload bytes after the sequence id.
func (c ProbeConfig) PayloadBodySize() int {
	return c.payloadSize - SeqIDSize
}

func (c ProbeConfig) ControlAddr() string {
	return net.JoinHostPort(c.peer, strconv.Itoa(int(c.ports.Control)))
}

func (c ProbeConfig) ProbeAddr() string {
	return net.JoinHostPort(c.peer, strconv.Itoa(int(c.ports.Destination)))
}

func (c ProbeConfig) ResultAddr() string {
	return net.JoinHostPort(c.peer, strconv.Itoa(int(c.ports.Result)))
}

// Builder returns a builder seeded with c, for deriving a modified copy.
func (c ProbeConfig) Builder() *ProbeConfigBuilder {
	return &ProbeConfigBuilder{cfg: c}
}

func (c ProbeConfig) String() string {
	return fmt.Sprintf("peer=%s ports=%+v payload=%d count=%d delay=%s ttl=%d wait=%s",
		c.peer, c.ports, c.payloadSize, c.packetCount, c.interSendDelay, c.ttl, c.interMeasurementWait)
}

type ProbeConfigBuilder struct {
	cfg ProbeConfig
}

func NewProbeConfigBuilder() *ProbeConfigBuilder {
	return &ProbeConfigBuilder{cfg: ProbeConfig{ttl: 64}}
}

func (b *ProbeConfigBuilder) Peer(addr string) *ProbeConfigBuilder {
	b.cfg.peer = addr
	return b
}

func (b *ProbeConfigBuilder) Ports(p Ports) *ProbeConfigBuilder {
	b.cfg.ports = p
	return b
}

func (b *ProbeConfigBuilder) PayloadSize(n int) *ProbeConfigBuilder {
	b.cfg.payloadSize = n
	return b
}

func (b *ProbeConfigBuilder) PacketCount(n int) *ProbeConfigBuilder {
	b.cfg.packetCount = n
	return b
}

func (b *ProbeConfigBuilder) InterSendDelay(d time.Duration) *ProbeConfigBuilder {
	b.cfg.interSendDelay = d
	return b
}

func (b *ProbeConfigBuilder) TTL(ttl int) *ProbeConfigBuilder {
	b.cfg.ttl = ttl
	return b
}

func (b *ProbeConfigBuilder) InterMeasurementWait(d time.Duration) *ProbeConfigBuilder {
	b.cfg.interMeasurementWait = d
	return b
}

// Build validates the accumulated fields and returns the config by value.
func (b *ProbeConfigBuilder) Build() (ProbeConfig, error) {
	if err := b.cfg.Validate(); err != nil {
		return ProbeConfig{}, err
	}
	return b.cfg, nil
}

func (c ProbeConfig) Validate() error {
	if c.peer == "" {
		return fmt.Errorf("%w: peer address is required", ErrConfigInvalid)
	}
	ports := []struct {
		name string
		port uint16
	}{
		{"control", c.ports.Control},
		{"source", c.ports.Source},
		{"destination", c.ports.Destination},
		{"head_syn", c.ports.HeadSyn},
		{"tail_syn", c.ports.TailSyn},
		{"result", c.ports.Result},
	}
	for _, p := range ports {
		if p.port == 0 {
			return fmt.Errorf("%w: %s port must be in 1..65535", ErrConfigInvalid, p.name)
		}
	}
	if c.payloadSize < MinPayloadSize || c.payloadSize > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d outside %d..%d", ErrConfigInvalid, c.payloadSize, MinPayloadSize, MaxPayloadSize)
	}
	if c.packetCount < 1 || c.packetCount > MaxPacketCount {
		return fmt.Errorf("%w: packet count %d outside 1..%d", ErrConfigInvalid, c.packetCount, MaxPacketCount)
	}
	if c.interSendDelay < 0 {
		return fmt.Errorf("%w: negative inter-send delay", ErrConfigInvalid)
	}
	if c.interMeasurementWait < 0 {
		return fmt.Errorf("%w: negative inter-measurement wait", ErrConfigInvalid)
	}
	if c.ttl < 1 || c.ttl > 255 {
		return fmt.Errorf("%w: ttl %d outside 1..255", ErrConfigInvalid, c.ttl)
	}
	return nil
}
