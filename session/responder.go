// Package session runs complete probing sessions: the responder's phase
// sequence from control handshake to verdict, and the initiator's mirror of
// it.
package session

import (
	"compression-detector/capture"
	"compression-detector/control"
	"compression-detector/detect"
	"compression-detector/prom"
	"compression-detector/receive"
	"compression-detector/sink"
	"compression-detector/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const acceptPoll = 250 * time.Millisecond

// WireSource supplies on-the-wire samples for the probe port. A capture.Tap
// is one.
type WireSource interface {
	Run(ctx context.Context)
	Drain() []capture.WireSample
}

// ResponderOptions configures a Responder. Zero values select defaults.
type ResponderOptions struct {
	// ListenAddress is the host the result port binds to; empty binds all.
	ListenAddress    string
	Limits           control.Limits
	HandshakeTimeout time.Duration
	// IdleTimeout ends a train when no new packet arrived for this long.
	IdleTimeout time.Duration
	// ServeResult offers each verdict once on the negotiated result port.
	ServeResult bool
	ResultWait  time.Duration
	// MaxSessions stops Serve after that many sessions; 0 runs until ctx ends.
	MaxSessions int
	Detect      detect.Options

	// OpenCapture, when set, attaches a wire source to the probe port of
	// each session. peer is the initiator's host.
	OpenCapture func(port uint16, peer string) (WireSource, error)

	Collector *prom.ProbeCollector
	Sink      sink.Sink
	Clock     types.Clock
	Logger    *slog.Logger
}

// Responder accepts probing sessions on a control listener, one at a time.
type Responder struct {
	opts ResponderOptions
}

func NewResponder(opts ResponderOptions) *Responder {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = control.DefaultHandshakeTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = receive.DefaultIdleTimeout
	}
	// Sequence ids restart with the high entropy train, so it must not
	// start until the low entropy train has gone idle here.
	floor := opts.IdleTimeout + max(opts.IdleTimeout/2, receive.DefaultPollInterval)
	opts.Limits.MinInterMeasurementWait = max(opts.Limits.MinInterMeasurementWait, floor)
	if opts.ResultWait <= 0 {
		opts.ResultWait = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Responder{opts: opts}
}

// Result describes one finished session, successful or not.
type Result struct {
	ID        string
	Agreement control.Agreement
	Verdict   types.Verdict
	Phase     Phase
	History   []Transition
}

// Serve runs sessions back to back until ctx ends or MaxSessions completed.
// A failed session is logged and counted; only cancellation stops the loop.
func (r *Responder) Serve(ctx context.Context, ln net.Listener) error {
	r.opts.Logger.Info("Responder listening", "control", ln.Addr().String())
	for n := 0; r.opts.MaxSessions == 0 || n < r.opts.MaxSessions; n++ {
		res, err := r.ServeSession(ctx, ln)
		if errors.Is(err, types.ErrCancelled) && ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		if err != nil {
			r.opts.Logger.Warn("Session failed", "session", res.ID, "phase", lastFrom(res.History), "kind", types.KindOf(err), "error", err)
		}
	}
	return nil
}

func lastFrom(history []Transition) Phase {
	if len(history) == 0 {
		return PhaseAwaitingControl
	}
	return history[len(history)-1].From
}

// ServeSession waits for one initiator on ln and runs the session to a
// verdict. Every socket the session opens is closed before it returns.
func (r *Responder) ServeSession(ctx context.Context, ln net.Listener) (Result, error) {
	id := uuid.NewString()
	machine := NewMachine(id, r.opts.Clock)
	logger := r.opts.Logger.With("session", id)

	conn, err := accept(ctx, ln)
	if err != nil {
		// An idle listener shut down by ctx is not a failed session.
		machine.Fail(err)
		return Result{ID: id, Phase: machine.Current(), History: machine.History()}, err
	}

	res, err := r.run(ctx, conn, machine, logger.With("initiator", conn.RemoteAddr().String()))
	if err != nil {
		machine.Fail(err)
		if r.opts.Collector != nil {
			r.opts.Collector.ObserveFailure(err)
		}
	}
	res.ID = id
	res.Phase = machine.Current()
	res.History = machine.History()
	return res, err
}

func (r *Responder) run(ctx context.Context, conn net.Conn, machine *Machine, logger *slog.Logger) (Result, error) {
	var res Result

	var (
		probe    *net.UDPConn
		resultLn net.Listener
		wire     WireSource
	)
	defer func() {
		if probe != nil {
			probe.Close()
		}
		if resultLn != nil {
			resultLn.Close()
		}
	}()

	// Everything the initiator depends on is bound before the ack goes out.
	prepare := func(cfg types.ProbeConfig) error {
		var err error
		if probe, err = receive.Listen(cfg); err != nil {
			return err
		}
		if r.opts.ServeResult {
			addr := net.JoinHostPort(r.opts.ListenAddress, strconv.Itoa(int(cfg.Ports().Result)))
			if resultLn, err = net.Listen("tcp", addr); err != nil {
				return fmt.Errorf("%w: binding result port: %w", types.ErrTransport, err)
			}
		}
		if r.opts.OpenCapture != nil {
			if wire, err = r.opts.OpenCapture(cfg.Ports().Destination, peerHost(conn)); err != nil {
				// The capture only adds auxiliary data.
				logger.Warn("Passive capture unavailable", "error", err)
				wire = nil
			}
		}
		return nil
	}

	agreement, err := control.Respond(conn, r.opts.Limits, r.opts.HandshakeTimeout, prepare)
	conn.Close()
	if err != nil {
		if wire != nil {
			// Run with a finished context only releases the source.
			done, cancel := context.WithCancel(ctx)
			cancel()
			wire.Run(done)
		}
		return res, err
	}
	res.Agreement = agreement
	cfg := agreement.Config
	if err := machine.Advance(PhaseNegotiated); err != nil {
		return res, err
	}
	logger.Info("Session negotiated", "config", cfg.String(), "clamped", agreement.Clamped.String())

	if wire != nil {
		wireCtx, stopWire := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			wire.Run(wireCtx)
		}()
		defer func() {
			stopWire()
			<-done
		}()
	}

	recv := receive.Options{
		Expected:    cfg.PacketCount(),
		PayloadSize: cfg.PayloadSize(),
		IdleTimeout: r.opts.IdleTimeout,
		Clock:       r.opts.Clock,
		Logger:      logger,
	}

	if err := machine.Advance(PhaseReceivingLow); err != nil {
		return res, err
	}
	recv.Class = types.EntropyLow
	// The initiator opens its probe socket only after the ack.
	recv.StartWait = r.opts.HandshakeTimeout
	low, err := receive.ReceiveTrain(ctx, probe, recv)
	if err != nil {
		return res, err
	}
	low = applyWire(low, wire)
	if err := machine.Advance(PhaseLowComplete); err != nil {
		return res, err
	}
	logger.Info("Low entropy train complete", "received", low.Received, "lost", low.Lost, "elapsed", low.Elapsed)

	if err := machine.Advance(PhaseReceivingHigh); err != nil {
		return res, err
	}
	recv.Class = types.EntropyHigh
	recv.StartWait = cfg.InterMeasurementWait()
	high, err := receive.ReceiveTrain(ctx, probe, recv)
	if err != nil {
		return res, err
	}
	high = applyWire(high, wire)
	if err := machine.Advance(PhaseHighComplete); err != nil {
		return res, err
	}
	logger.Info("High entropy train complete", "received", high.Received, "lost", high.Lost, "elapsed", high.Elapsed)

	verdict := detect.Detect(low, high, r.opts.Detect)
	verdict.SessionID = machine.ID()
	verdict.DetectedAt = r.opts.Clock.Now()
	if err := machine.Advance(PhaseDetected); err != nil {
		return res, err
	}
	res.Verdict = verdict

	if r.opts.Collector != nil {
		r.opts.Collector.ObserveVerdict(verdict)
	}
	if r.opts.Sink != nil {
		if err := r.opts.Sink.Publish(ctx, verdict); err != nil {
			logger.Warn("Publishing verdict failed", "error", err)
		}
	}

	if resultLn != nil {
		resultCtx, cancel := context.WithTimeout(ctx, r.opts.ResultWait)
		err := control.ServeResult(resultCtx, resultLn, verdict, r.opts.HandshakeTimeout)
		cancel()
		if err != nil {
			logger.Debug("Result not fetched", "error", err)
		}
	}
	return res, nil
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

func applyWire(m types.TrainMeasurement, wire WireSource) types.TrainMeasurement {
	if wire == nil {
		return m
	}
	return capture.Apply(m, wire.Drain())
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// accept waits for the next control connection while watching ctx. A
// listener with deadline support stays open when ctx ends; any other
// listener is closed to unblock Accept.
func accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	dl, ok := ln.(deadliner)
	if !ok {
		stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
		defer stop()
	}
	for {
		if ok {
			_ = dl.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, err := ln.Accept()
		if err == nil {
			if ok {
				_ = dl.SetDeadline(time.Time{})
			}
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: waiting for initiator: %w", types.ErrCancelled, ctx.Err())
		}
		var ne net.Error
		if ok && errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, fmt.Errorf("%w: accepting control connection: %w", types.ErrTransport, err)
	}
}
