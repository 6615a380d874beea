//go:build linux

package capture

import (
	"compression-detector/bpf"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
)

type TapConfig struct {
	Interface string
	Port      uint16
	// Peer limits the capture to datagrams from this host when set.
	Peer      string
	FrameSize int
	BlockSize int
	NumBlocks int
}

// Tap feeds a Recorder from an AF_PACKET ring filtered to probe datagrams.
type Tap struct {
	*Recorder
	tpacket *afpacket.TPacket
	logger  *slog.Logger
}

func OpenTap(cfg TapConfig, logger *slog.Logger) (*Tap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 2048
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = cfg.FrameSize * 128
	}
	if cfg.NumBlocks == 0 {
		cfg.NumBlocks = 32
	}

	tpacket, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(cfg.FrameSize),
		afpacket.OptBlockSize(cfg.BlockSize),
		afpacket.OptNumBlocks(cfg.NumBlocks),
		afpacket.OptPollTimeout(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("creating AF_PACKET receiver on %s: %w", cfg.Interface, err)
	}

	filter, err := bpf.Compile(bpf.ProbeFilter(cfg.Port, cfg.Peer))
	if err != nil {
		tpacket.Close()
		return nil, err
	}
	if err := tpacket.SetBPF(filter); err != nil {
		tpacket.Close()
		return nil, fmt.Errorf("setting BPF filter: %w", err)
	}
	logger.Info("Passive capture attached", "interface", cfg.Interface, "port", cfg.Port, "peer", cfg.Peer)

	return &Tap{
		Recorder: NewRecorder(cfg.Port, logger),
		tpacket:  tpacket,
		logger:   logger,
	}, nil
}

// Run reads frames until ctx ends, then releases the ring.
func (t *Tap) Run(ctx context.Context) {
	defer t.tpacket.Close()

	for ctx.Err() == nil {
		data, ci, err := t.tpacket.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		if err != nil {
			t.logger.Error("Capture read failed", "error", err)
			return
		}
		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		packet.Metadata().CaptureInfo = ci
		t.ProcessPacket(packet)
	}

	if _, stats, err := t.tpacket.SocketStats(); err == nil {
		t.logger.Debug("Capture stopped", "packets", stats.Packets(), "drops", stats.Drops())
	}
}
