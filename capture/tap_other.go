//go:build !linux

package capture

import (
	"context"
	"errors"
	"log/slog"
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

type Tap struct {
	*Recorder
}

func OpenTap(cfg TapConfig, logger *slog.Logger) (*Tap, error) {
	return nil, errors.New("passive capture requires AF_PACKET (linux)")
}

func (t *Tap) Run(ctx context.Context) {}
