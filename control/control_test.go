package control

import (
	"bytes"
	"compression-detector/types"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, controlPort int) types.ProbeConfig {
	t.Helper()
	cfg, err := types.NewProbeConfigBuilder().
		Peer("127.0.0.1").
		Ports(types.Ports{
			Control:     uint16(controlPort),
			Source:      40001,
			Destination: 40002,
			HeadSyn:     40003,
			TailSyn:     40004,
			Result:      40005,
		}).
		PayloadSize(1000).
		PacketCount(100).
		InterSendDelay(5 * time.Millisecond).
		TTL(255).
		InterMeasurementWait(2 * time.Second).
		Build()
	require.NoError(t, err)
	return cfg
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

type respondResult struct {
	agreement Agreement
	err       error
}

func serveOnce(t *testing.T, ln net.Listener, limits Limits, prepare func(types.ProbeConfig) error) <-chan respondResult {
	t.Helper()
	out := make(chan respondResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- respondResult{err: err}
			return
		}
		defer conn.Close()
		a, err := Respond(conn, limits, time.Second, prepare)
		out <- respondResult{agreement: a, err: err}
	}()
	return out
}

func TestNegotiate_RoundTrip(t *testing.T) {
	ln, port := listen(t)
	cfg := testConfig(t, port)
	prepared := false
	done := serveOnce(t, ln, Limits{}, func(types.ProbeConfig) error {
		prepared = true
		return nil
	})

	agreement, err := Negotiate(context.Background(), cfg, time.Second)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, prepared)
	assert.Equal(t, cfg, agreement.Config)
	assert.Equal(t, cfg, res.agreement.Config)
	assert.Equal(t, FieldSet(0), agreement.Clamped)
}

func TestNegotiate_ClampedFieldsReported(t *testing.T) {
	ln, port := listen(t)
	cfg := testConfig(t, port)
	done := serveOnce(t, ln, Limits{MaxPacketCount: 10, MinInterSendDelay: 10 * time.Millisecond}, nil)

	agreement, err := Negotiate(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	require.NoError(t, (<-done).err)

	assert.Equal(t, 10, agreement.Config.PacketCount())
	assert.Equal(t, 10*time.Millisecond, agreement.Config.InterSendDelay())
	assert.True(t, agreement.Clamped.Has(FieldPacketCount))
	assert.True(t, agreement.Clamped.Has(FieldInterSendDelay))
	assert.False(t, agreement.Clamped.Has(FieldPayloadSize))
	assert.Equal(t, "packet_count,inter_send_delay", agreement.Clamped.String())

	assert.Equal(t, cfg.PayloadSize(), agreement.Config.PayloadSize())
	assert.Equal(t, cfg.Ports(), agreement.Config.Ports())
	assert.Equal(t, cfg.TTL(), agreement.Config.TTL())
	assert.Equal(t, cfg.InterMeasurementWait(), agreement.Config.InterMeasurementWait())
}

func TestNegotiate_PeerClosesEarly(t *testing.T) {
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("CDP"))
		conn.Close()
	}()

	_, err := Negotiate(context.Background(), testConfig(t, port), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.ErrorIs(t, err, types.ErrNegotiationFailed)
}

func TestNegotiate_HandshakeTimeout(t *testing.T) {
	ln, port := listen(t)
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-hold
		conn.Close()
	}()

	start := time.Now()
	_, err := Negotiate(context.Background(), testConfig(t, port), 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNegotiate_Cancelled(t *testing.T) {
	ln, port := listen(t)
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-hold
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := Negotiate(ctx, testConfig(t, port), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestNegotiate_ResponderUnavailable(t *testing.T) {
	ln, port := listen(t)
	done := serveOnce(t, ln, Limits{}, func(types.ProbeConfig) error {
		return types.ErrTransport
	})

	_, err := Negotiate(context.Background(), testConfig(t, port), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNegotiationFailed)
	assert.ErrorIs(t, (<-done).err, types.ErrTransport)
}

func TestRespond_RejectsOutOfRangeField(t *testing.T) {
	ln, port := listen(t)
	cfg := testConfig(t, port)
	done := serveOnce(t, ln, Limits{}, nil)

	body := appendConfig(nil, cfg)
	ttlOffset := 2 + len(cfg.Peer()) + 6*2 + 4 + 4 + 8
	body[ttlOffset] = 0

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeRecord(conn, recordRequest, body))

	ack, err := ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, ack.Status)
	assert.Contains(t, ack.Message, "ttl")
	assert.ErrorIs(t, (<-done).err, types.ErrConfigInvalid)
}

func TestReadRequest_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.Write([]byte{protocolVersion, byte(recordRequest)})
	buf.Write(binary.BigEndian.AppendUint16(nil, 50))
	buf.Write(make([]byte, 10))

	_, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestReadRequest_BadMagic(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader([]byte("HTTP/1.1 200 OK\r\n")))
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestReadRequest_ShortBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, recordRequest, []byte{0, 3, 'a', 'b', 'c', 0, 1}))

	_, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestClamp(t *testing.T) {
	cfg := testConfig(t, 7777)

	out, clamped, err := Clamp(cfg, Limits{})
	require.NoError(t, err)
	assert.Equal(t, cfg, out)
	assert.Empty(t, clamped.Fields())

	out, clamped, err = Clamp(cfg, Limits{MaxPayloadSize: 500, MaxInterMeasurementWait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 500, out.PayloadSize())
	assert.Equal(t, time.Second, out.InterMeasurementWait())
	assert.Equal(t, []Field{FieldPayloadSize, FieldInterMeasurementWait}, clamped.Fields())
}

func TestClamp_InterMeasurementWaitFloor(t *testing.T) {
	cfg, err := testConfig(t, 7777).Builder().InterMeasurementWait(0).Build()
	require.NoError(t, err)

	out, clamped, err := Clamp(cfg, Limits{MinInterMeasurementWait: 6 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, out.InterMeasurementWait())
	assert.True(t, clamped.Has(FieldInterMeasurementWait))

	// A maximum below the floor does not pull the wait back under it.
	cfg, err = cfg.Builder().InterMeasurementWait(time.Minute).Build()
	require.NoError(t, err)
	out, clamped, err = Clamp(cfg, Limits{MinInterMeasurementWait: 6 * time.Second, MaxInterMeasurementWait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, out.InterMeasurementWait())
	assert.True(t, clamped.Has(FieldInterMeasurementWait))
}

func TestWriteAck_TruncatesOnRuneBoundary(t *testing.T) {
	// 1023 ASCII bytes followed by a two byte rune straddling the limit.
	msg := strings.Repeat("a", maxAckMessage-1) + "é" + "tail"

	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf, Ack{Status: StatusRejected, Message: msg}))
	ack, err := ReadAck(&buf)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(ack.Message))
	assert.Equal(t, strings.Repeat("a", maxAckMessage-1), ack.Message)
	assert.Equal(t, "short", truncateUTF8("short", maxAckMessage))
}

func TestResult_RoundTrip(t *testing.T) {
	v := types.Verdict{
		SessionID:     "5c7d3c1e-7d0b-4a9e-9a4e-2d6f1c3b8a90",
		Outcome:       types.OutcomeSuspected,
		Divergence:    0.33,
		Margin:        0.2,
		JitterRatio:   1.5,
		WireSizeRatio: 0.4,
		Low:           types.TrainMeasurement{Class: types.EntropyLow, Expected: 10, Received: 9, Lost: 1, Elapsed: 100 * time.Millisecond},
		High:          types.TrainMeasurement{Class: types.EntropyHigh, Expected: 10, Received: 10, Duplicates: 2, Elapsed: 150 * time.Millisecond},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, v))

	got, err := ReadResult(&buf)
	require.NoError(t, err)
	assert.Equal(t, v.SessionID, got.SessionID)
	assert.Equal(t, v.Outcome, got.Outcome)
	assert.True(t, got.CompressionSuspected)
	assert.InDelta(t, 0.33, got.Divergence, 1e-12)
	assert.Equal(t, v.Low.Received, got.Low.Received)
	assert.Equal(t, v.Low.Lost, got.Low.Lost)
	assert.Equal(t, v.High.Duplicates, got.High.Duplicates)
	assert.Equal(t, v.High.Elapsed, got.High.Elapsed)
	assert.Equal(t, types.EntropyHigh, got.High.Class)
}

func TestServeAndFetchResult(t *testing.T) {
	ln, _ := listen(t)
	v := types.Verdict{SessionID: "s1", Outcome: types.OutcomeInconclusive}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeResult(context.Background(), ln, v, time.Second)
	}()

	got, err := FetchResult(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, types.OutcomeInconclusive, got.Outcome)
	assert.False(t, got.CompressionSuspected)
}

func TestServeResult_Cancelled(t *testing.T) {
	ln, _ := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ServeResult(ctx, ln, types.Verdict{}, time.Second)
	assert.ErrorIs(t, err, types.ErrCancelled)
}
