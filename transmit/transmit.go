// Package transmit paces probe trains onto the unreliable datagram channel.
package transmit

import (
	"compression-detector/train"
	"compression-detector/types"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Open binds the negotiated UDP source port, connects it to the responder's
// destination port and applies the TTL (hop limit for IPv6 peers). On Linux
// the socket also sets DF.
func Open(cfg types.ProbeConfig) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.ProbeAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", types.ErrTransport, cfg.ProbeAddr(), err)
	}
	laddr := &net.UDPAddr{Port: int(cfg.Ports().Source)}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening probe socket: %w", types.ErrTransport, err)
	}
	if err := setTTL(conn, raddr, cfg.TTL()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: setting ttl %d: %w", types.ErrTransport, cfg.TTL(), err)
	}
	if err := setDontFragment(conn, raddr.IP.To4() == nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: setting don't fragment: %w", types.ErrTransport, err)
	}
	return conn, nil
}

func setTTL(conn *net.UDPConn, raddr *net.UDPAddr, ttl int) error {
	if raddr.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTTL(ttl)
	}
	return ipv6.NewConn(conn).SetHopLimit(ttl)
}

// Options control one call to SendTrain.
type Options struct {
	Delay  time.Duration
	Clock  types.Clock
	Logger *slog.Logger
}

// SendTrain writes every packet of the train to w as one datagram, in
// sequence order, sleeping Delay between sends. Per-packet failures are
// recorded and do not stop the train. If ctx ends mid-train the partial
// report is returned together with ErrCancelled.
func SendTrain(ctx context.Context, w io.Writer, packets iter.Seq[types.ProbePacket], opts Options) (types.SendReport, error) {
	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var report types.SendReport
	var timer *time.Timer
	if opts.Delay > 0 {
		timer = time.NewTimer(0)
		<-timer.C
		defer timer.Stop()
	}

	start := clock.Now()
	first := true
	for pkt := range packets {
		if !first && timer != nil {
			timer.Reset(opts.Delay)
			select {
			case <-ctx.Done():
				report.Elapsed = clock.Now().Sub(start)
				return report, fmt.Errorf("%w: %s train stopped after %d packets: %w", types.ErrCancelled, pkt.Class, len(report.Records), ctx.Err())
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			report.Elapsed = clock.Now().Sub(start)
			return report, fmt.Errorf("%w: %s train stopped after %d packets: %w", types.ErrCancelled, pkt.Class, len(report.Records), err)
		}
		first = false
		report.Class = pkt.Class

		rec := types.SendRecord{Seq: pkt.Seq}
		data, err := train.Encode(pkt)
		if err == nil {
			rec.SentAt = clock.Now()
			_, err = w.Write(data)
		}
		if err != nil {
			rec.Err = err
			report.Failed++
			logger.Debug("Probe send failed", "class", pkt.Class, "seq", pkt.Seq, "error", err)
		} else {
			report.Sent++
		}
		report.Records = append(report.Records, rec)
	}

	report.Elapsed = clock.Now().Sub(start)
	return report, nil
}
