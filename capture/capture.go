// Package capture passively observes probe datagrams on the responder's
// interface so the on-wire size of each train can be compared with the size
// the socket delivered.
package capture

import (
	"compression-detector/train"
	"compression-detector/types"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type WireSample struct {
	Seq     uint32
	WireLen int
	At      time.Time
}

// DecodeWireSample extracts the sequence id and IP datagram length of a
// captured probe sent to dstPort.
func DecodeWireSample(packet gopacket.Packet, dstPort uint16) (WireSample, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return WireSample{}, false
	}
	udp, _ := udpLayer.(*layers.UDP)
	if uint16(udp.DstPort) != dstPort {
		return WireSample{}, false
	}

	var wireLen int
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv4)
		wireLen = int(ip.Length)
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv6)
		wireLen = int(ip.Length) + 40
	} else {
		return WireSample{}, false
	}

	probe, err := train.Decode(udp.Payload)
	if err != nil {
		return WireSample{}, false
	}
	return WireSample{
		Seq:     probe.Seq,
		WireLen: wireLen,
		At:      packet.Metadata().CaptureInfo.Timestamp,
	}, true
}

// Recorder accumulates wire samples between drains. It is safe for use by
// one capturing goroutine and one draining goroutine.
type Recorder struct {
	mu      sync.Mutex
	port    uint16
	samples []WireSample
	logger  *slog.Logger
}

func NewRecorder(port uint16, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{port: port, logger: logger}
}

func (r *Recorder) ProcessPacket(packet gopacket.Packet) {
	sample, ok := DecodeWireSample(packet, r.port)
	if !ok {
		return
	}
	r.mu.Lock()
	r.samples = append(r.samples, sample)
	r.mu.Unlock()
}

// Drain returns the samples recorded so far and starts a new batch.
func (r *Recorder) Drain() []WireSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.samples
	r.samples = nil
	return out
}

// Apply adds the wire bytes of samples whose sequence id was recorded in m.
// Only the first sample per id counts, mirroring duplicate handling in the
// receiver.
func Apply(m types.TrainMeasurement, samples []WireSample) types.TrainMeasurement {
	received := make(map[uint32]struct{}, len(m.Records))
	for _, r := range m.Records {
		received[r.Seq] = struct{}{}
	}
	counted := make(map[uint32]struct{}, len(samples))
	for _, s := range samples {
		if _, ok := received[s.Seq]; !ok {
			continue
		}
		if _, dup := counted[s.Seq]; dup {
			continue
		}
		counted[s.Seq] = struct{}{}
		m.WireSamples++
		m.WireBytes += uint64(s.WireLen)
	}
	return m
}
