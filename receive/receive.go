// Package receive collects a probe train on the responder and timestamps
// each arrival.
package receive

import (
	"compression-detector/statistics"
	"compression-detector/train"
	"compression-detector/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	DefaultIdleTimeout  = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	socketBufferSize = 4 << 20
)

// Listen binds the negotiated destination port for probe datagrams.
func Listen(cfg types.ProbeConfig) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("", strconv.Itoa(int(cfg.Ports().Destination))))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrTransport, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: binding probe port %d: %w", types.ErrTransport, cfg.Ports().Destination, err)
	}
	// Best effort; a small kernel buffer only shows up as loss.
	_ = conn.SetReadBuffer(socketBufferSize)
	return conn, nil
}

type Options struct {
	Class       types.EntropyClass
	Expected    int
	PayloadSize int
	// IdleTimeout ends the train when no new sequence id arrived for this long.
	IdleTimeout time.Duration
	// StartWait is added to IdleTimeout before the first arrival, to cover
	// the initiator's pause between trains.
	StartWait    time.Duration
	PollInterval time.Duration
	Clock        types.Clock
	Logger       *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = types.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ReceiveTrain reads datagrams from conn until Expected distinct sequence ids
// were recorded or the idle timeout elapsed. A timeout is not an error: the
// partial measurement comes back with TimedOut set. Cancellation returns the
// partial measurement and ErrCancelled; a closed socket returns ErrTransport.
func ReceiveTrain(ctx context.Context, conn net.PacketConn, opts Options) (types.TrainMeasurement, error) {
	opts.applyDefaults()
	logger := opts.Logger.With("class", opts.Class)

	var (
		records  []types.ArrivalRecord
		counters statistics.Counters
		stream   types.StreamKey
		maxSeq   uint32
	)
	seen := make(map[uint32]struct{}, opts.Expected)
	buf := make([]byte, opts.PayloadSize+1)

	finish := func() types.TrainMeasurement {
		m := statistics.Summarize(opts.Class, opts.Expected, records, counters)
		m.Stream = stream
		return m
	}

	lastProgress := time.Now()
	for len(records) < opts.Expected {
		if err := ctx.Err(); err != nil {
			return finish(), fmt.Errorf("%w: %s train after %d packets: %w", types.ErrCancelled, opts.Class, len(records), err)
		}

		limit := opts.IdleTimeout
		if len(records) == 0 {
			limit += opts.StartWait
		}
		idle := time.Since(lastProgress)
		if idle >= limit {
			counters.TimedOut = true
			logger.Info("Train timed out", "received", len(records), "expected", opts.Expected, "idle", idle)
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(min(opts.PollInterval, limit-idle)))

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return finish(), fmt.Errorf("%w: probe socket closed: %w", types.ErrTransport, err)
			}
			logger.Debug("Probe read failed", "error", err)
			continue
		}
		at := opts.Clock.Now()

		if n != opts.PayloadSize {
			counters.Malformed++
			logger.Debug("Dropped malformed probe", "from", addr, "length", n, "want", opts.PayloadSize)
			continue
		}
		probe, err := train.Decode(buf[:n])
		if err != nil || probe.Seq == 0 || int64(probe.Seq) > int64(opts.Expected) {
			counters.Malformed++
			logger.Debug("Dropped malformed probe", "from", addr, "length", n, "error", err)
			continue
		}
		if _, dup := seen[probe.Seq]; dup {
			counters.Duplicates++
			continue
		}
		seen[probe.Seq] = struct{}{}

		if len(records) == 0 {
			stream = types.StreamKeyFromAddrs(addr, conn.LocalAddr())
		}
		if probe.Seq < maxSeq {
			counters.OutOfOrder++
		}
		maxSeq = max(maxSeq, probe.Seq)

		records = append(records, types.ArrivalRecord{Seq: probe.Seq, ReceivedAt: at, Length: n})
		lastProgress = time.Now()
	}

	return finish(), nil
}
