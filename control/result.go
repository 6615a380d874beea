package control

import (
	"compression-detector/types"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

func appendTrain(buf []byte, m types.TrainMeasurement) []byte {
	buf = append(buf, byte(m.Class))
	for _, v := range []int{m.Expected, m.Received, m.Lost, m.Duplicates, m.Malformed} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Elapsed))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.MeanGap))
	buf = binary.BigEndian.AppendUint64(buf, m.WireBytes)
	return buf
}

func decodeTrain(d *decoder) types.TrainMeasurement {
	m := types.TrainMeasurement{Class: types.EntropyClass(d.u8())}
	for _, v := range []*int{&m.Expected, &m.Received, &m.Lost, &m.Duplicates, &m.Malformed} {
		*v = int(d.u32())
	}
	m.Elapsed = time.Duration(d.u64())
	m.MeanGap = time.Duration(d.u64())
	m.WireBytes = d.u64()
	return m
}

// WriteResult sends a verdict summary. Arrival records are not transferred.
func WriteResult(w io.Writer, v types.Verdict) error {
	sid := v.SessionID
	if len(sid) > math.MaxUint8 {
		sid = sid[:math.MaxUint8]
	}
	body := []byte{uint8(len(sid))}
	body = append(body, sid...)
	outcome := string(v.Outcome)
	body = append(body, uint8(len(outcome)))
	body = append(body, outcome...)
	body = binary.BigEndian.AppendUint64(body, math.Float64bits(v.Divergence))
	body = binary.BigEndian.AppendUint64(body, math.Float64bits(v.Margin))
	body = binary.BigEndian.AppendUint64(body, math.Float64bits(v.JitterRatio))
	body = binary.BigEndian.AppendUint64(body, math.Float64bits(v.WireSizeRatio))
	body = appendTrain(body, v.Low)
	body = appendTrain(body, v.High)
	return writeRecord(w, recordResult, body)
}

func ReadResult(r io.Reader) (types.Verdict, error) {
	body, err := readRecord(r, recordResult)
	if err != nil {
		return types.Verdict{}, err
	}
	d := &decoder{buf: body}
	v := types.Verdict{}
	v.SessionID = string(d.bytes(int(d.u8())))
	v.Outcome = types.Outcome(d.bytes(int(d.u8())))
	v.Divergence = math.Float64frombits(d.u64())
	v.Margin = math.Float64frombits(d.u64())
	v.JitterRatio = math.Float64frombits(d.u64())
	v.WireSizeRatio = math.Float64frombits(d.u64())
	v.Low = decodeTrain(d)
	v.High = decodeTrain(d)
	if d.err != nil {
		return types.Verdict{}, d.err
	}
	v.CompressionSuspected = v.Outcome == types.OutcomeSuspected
	return v, nil
}

// ServeResult hands v to the first initiator that connects to ln, then
// returns. It gives up when ctx ends.
func ServeResult(ctx context.Context, ln net.Listener, v types.Verdict, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: no initiator fetched the result: %w", types.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: accepting result connection: %w", types.ErrTransport, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	return WriteResult(conn, v)
}

// FetchResult connects to the responder's result port and reads the verdict.
func FetchResult(ctx context.Context, addr string, timeout time.Duration) (types.Verdict, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return types.Verdict{}, fmt.Errorf("%w: dialing result port %s: %w", types.ErrProtocol, addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	return ReadResult(conn)
}
