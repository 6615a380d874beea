package control

import (
	"compression-detector/types"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Agreement is the outcome of a successful handshake.
type Agreement struct {
	Requested types.ProbeConfig
	Config    types.ProbeConfig
	Clamped   FieldSet
}

// Negotiate sends cfg to the responder's control port and returns the
// configuration the responder put in effect. The connection is closed before
// returning. A handshake that does not finish within timeout fails with
// ErrProtocol.
func Negotiate(ctx context.Context, cfg types.ProbeConfig, timeout time.Duration) (Agreement, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ControlAddr())
	if err != nil {
		return Agreement{}, handshakeError(ctx, fmt.Errorf("dialing %s: %w", cfg.ControlAddr(), err))
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteRequest(conn, cfg); err != nil {
		return Agreement{}, handshakeError(ctx, err)
	}
	ack, err := ReadAck(conn)
	if err != nil {
		return Agreement{}, handshakeError(ctx, err)
	}

	switch ack.Status {
	case StatusOK:
	case StatusRejected:
		return Agreement{}, fmt.Errorf("%w: %w: responder rejected config: %s", types.ErrNegotiationFailed, types.ErrConfigInvalid, ack.Message)
	default:
		return Agreement{}, fmt.Errorf("%w: %w: responder %s: %s", types.ErrNegotiationFailed, types.ErrProtocol, ack.Status, ack.Message)
	}

	if err := checkAgreement(cfg, ack); err != nil {
		return Agreement{}, fmt.Errorf("%w: %w", types.ErrNegotiationFailed, err)
	}
	return Agreement{Requested: cfg, Config: ack.Config, Clamped: ack.Clamped}, nil
}

// checkAgreement rejects acks that changed a field without reporting it.
func checkAgreement(req types.ProbeConfig, ack Ack) error {
	got := ack.Config
	diff := func(f Field, changed bool) error {
		if changed && !ack.Clamped.Has(f) {
			return fmt.Errorf("%w: responder changed %s without reporting it", types.ErrProtocol, f)
		}
		return nil
	}
	return errors.Join(
		diff(FieldPayloadSize, req.PayloadSize() != got.PayloadSize()),
		diff(FieldPacketCount, req.PacketCount() != got.PacketCount()),
		diff(FieldInterSendDelay, req.InterSendDelay() != got.InterSendDelay()),
		diff(FieldInterMeasurementWait, req.InterMeasurementWait() != got.InterMeasurementWait()),
		unclamped(req.Ports() != got.Ports() || req.TTL() != got.TTL(), "ports or ttl"),
	)
}

func unclamped(changed bool, what string) error {
	if changed {
		return fmt.Errorf("%w: responder changed %s", types.ErrProtocol, what)
	}
	return nil
}

func handshakeError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: handshake: %w", types.ErrCancelled, err)
	}
	if errors.Is(err, types.ErrProtocol) {
		return fmt.Errorf("%w: %w", types.ErrNegotiationFailed, err)
	}
	return fmt.Errorf("%w: %w: %w", types.ErrNegotiationFailed, types.ErrProtocol, err)
}

// Respond runs the responder half of the handshake on conn. prepare is called
// with the agreed configuration before the ack is written, so resources the
// initiator relies on (the probe socket) exist by the time it starts sending.
func Respond(conn net.Conn, limits Limits, timeout time.Duration, prepare func(types.ProbeConfig) error) (Agreement, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	requested, err := ReadRequest(conn)
	if err != nil {
		if errors.Is(err, types.ErrConfigInvalid) {
			_ = WriteAck(conn, Ack{Status: StatusRejected, Message: err.Error()})
		}
		return Agreement{}, err
	}

	agreed, clamped, err := Clamp(requested, limits)
	if err != nil {
		_ = WriteAck(conn, Ack{Status: StatusRejected, Message: err.Error()})
		return Agreement{}, err
	}

	if prepare != nil {
		if err := prepare(agreed); err != nil {
			_ = WriteAck(conn, Ack{Status: StatusUnavailable, Message: err.Error()})
			return Agreement{}, err
		}
	}

	if err := WriteAck(conn, Ack{Status: StatusOK, Config: agreed, Clamped: clamped}); err != nil {
		return Agreement{}, err
	}
	return Agreement{Requested: requested, Config: agreed, Clamped: clamped}, nil
}
