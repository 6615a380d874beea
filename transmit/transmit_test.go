package transmit

import (
	"compression-detector/train"
	"compression-detector/types"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	times  []time.Time
	failOn map[uint32]bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := binary.BigEndian.Uint32(p)
	if w.failOn[seq] {
		return 0, errors.New("sendto: message too long")
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	w.times = append(w.times, time.Now())
	return len(p), nil
}

func TestSendTrain_InOrderWithPacing(t *testing.T) {
	w := &recordingWriter{}
	delay := 5 * time.Millisecond

	report, err := SendTrain(context.Background(), w, train.Generate(5, 64, types.EntropyLow), Options{Delay: delay})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, types.EntropyLow, report.Class)
	require.Len(t, w.writes, 5)
	for i, data := range w.writes {
		assert.Len(t, data, 64)
		assert.Equal(t, uint32(i+1), binary.BigEndian.Uint32(data))
		assert.Equal(t, uint32(i+1), report.Records[i].Seq)
		assert.False(t, report.Records[i].SentAt.IsZero())
	}
	for i := 1; i < len(w.times); i++ {
		assert.GreaterOrEqual(t, w.times[i].Sub(w.times[i-1]), delay-time.Millisecond)
	}
	assert.GreaterOrEqual(t, report.Elapsed, 4*delay-time.Millisecond)
}

func TestSendTrain_FailuresDoNotAbort(t *testing.T) {
	w := &recordingWriter{failOn: map[uint32]bool{2: true, 4: true}}

	report, err := SendTrain(context.Background(), w, train.Generate(5, 32, types.EntropyHigh), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Records, 5)
	assert.Error(t, report.Records[1].Err)
	assert.Error(t, report.Records[3].Err)
	assert.NoError(t, report.Records[4].Err)
}

func TestSendTrain_CancelledMidTrain(t *testing.T) {
	w := &recordingWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(25*time.Millisecond, cancel)

	report, err := SendTrain(ctx, w, train.Generate(1000, 32, types.EntropyLow), Options{Delay: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Less(t, report.Sent, 1000)
	assert.Greater(t, report.Sent, 0)
	assert.Equal(t, report.Sent, len(w.writes))
}

func TestSendTrain_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := SendTrain(ctx, &recordingWriter{}, train.Generate(3, 32, types.EntropyLow), Options{})
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 0, report.Sent)
}

func TestOpen_SendsOverLoopback(t *testing.T) {
	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rx.Close()

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	srcPort := src.LocalAddr().(*net.UDPAddr).Port
	src.Close()

	cfg, err := types.NewProbeConfigBuilder().
		Peer("127.0.0.1").
		Ports(types.Ports{
			Control:     7777,
			Source:      uint16(srcPort),
			Destination: uint16(rx.LocalAddr().(*net.UDPAddr).Port),
			HeadSyn:     7778,
			TailSyn:     7779,
			Result:      7780,
		}).
		PayloadSize(128).
		PacketCount(2).
		TTL(32).
		Build()
	require.NoError(t, err)

	conn, err := Open(cfg)
	require.NoError(t, err)
	defer conn.Close()

	report, err := SendTrain(context.Background(), conn, train.Generate(2, cfg.PayloadSize(), types.EntropyHigh), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	_ = rx.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, addr, err := rx.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
	assert.Equal(t, srcPort, addr.Port)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[:n]))
}

func TestOpen_BindFailure(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer busy.Close()

	cfg, err := types.NewProbeConfigBuilder().
		Peer("127.0.0.1").
		Ports(types.Ports{
			Control:     7777,
			Source:      uint16(busy.LocalAddr().(*net.UDPAddr).Port),
			Destination: 9,
			HeadSyn:     7778,
			TailSyn:     7779,
			Result:      7780,
		}).
		PayloadSize(128).
		PacketCount(1).
		Build()
	require.NoError(t, err)

	_, err = Open(cfg)
	assert.ErrorIs(t, err, types.ErrTransport)
}
