// Package control implements the reliable control channel used once per
// session to agree on probe parameters, and afterwards to hand the verdict
// back to the initiator.
//
// Every message is one self-delimiting record:
//
//	magic "CDP1" | version u8 | type u8 | body length u16 | body
//
// All integers are big-endian and fixed width.
package control

import (
	"compression-detector/types"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	protocolVersion = 1
	headerSize      = 8
	maxBodySize     = math.MaxUint16
)

var magic = [4]byte{'C', 'D', 'P', '1'}

type recordType uint8

const (
	recordRequest recordType = 1
	recordAck     recordType = 2
	recordResult  recordType = 3
)

func (t recordType) String() string {
	switch t {
	case recordRequest:
		return "request"
	case recordAck:
		return "ack"
	case recordResult:
		return "result"
	default:
		return fmt.Sprintf("record(%d)", uint8(t))
	}
}

func writeRecord(w io.Writer, t recordType, body []byte) error {
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: %s body of %d bytes exceeds record limit", types.ErrProtocol, t, len(body))
	}
	buf := make([]byte, 0, headerSize+len(body))
	buf = append(buf, magic[:]...)
	buf = append(buf, protocolVersion, byte(t))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing %s record: %w", types.ErrProtocol, t, err)
	}
	return nil
}

// readRecord reads exactly one record of the wanted type. A peer that closes
// early yields ErrProtocol.
func readRecord(r io.Reader, want recordType) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading %s header: %w", types.ErrProtocol, want, err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", types.ErrProtocol, hdr[:4])
	}
	if hdr[4] != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", types.ErrProtocol, hdr[4])
	}
	if got := recordType(hdr[5]); got != want {
		return nil, fmt.Errorf("%w: expected %s record, got %s", types.ErrProtocol, want, got)
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[6:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading %s body: %w", types.ErrProtocol, want, err)
	}
	return body, nil
}

func appendConfig(buf []byte, cfg types.ProbeConfig) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(cfg.Peer())))
	buf = append(buf, cfg.Peer()...)
	p := cfg.Ports()
	for _, port := range []uint16{p.Control, p.Source, p.Destination, p.HeadSyn, p.TailSyn, p.Result} {
		buf = binary.BigEndian.AppendUint16(buf, port)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(cfg.PayloadSize()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(cfg.PacketCount()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cfg.InterSendDelay()))
	buf = append(buf, uint8(cfg.TTL()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cfg.InterMeasurementWait()))
	return buf
}

// decodeConfig reads a config body and validates it. Range violations
// surface as ErrConfigInvalid, short bodies as ErrProtocol.
func decodeConfig(d *decoder) (types.ProbeConfig, error) {
	peer := string(d.bytes(int(d.u16())))
	var ports types.Ports
	for _, port := range []*uint16{&ports.Control, &ports.Source, &ports.Destination, &ports.HeadSyn, &ports.TailSyn, &ports.Result} {
		*port = d.u16()
	}
	payload := d.u32()
	count := d.u32()
	delay := d.u64()
	ttl := d.u8()
	wait := d.u64()
	if d.err != nil {
		return types.ProbeConfig{}, d.err
	}
	if payload > types.MaxPayloadSize || count > types.MaxPacketCount || delay > math.MaxInt64 || wait > math.MaxInt64 {
		return types.ProbeConfig{}, fmt.Errorf("%w: field out of range", types.ErrConfigInvalid)
	}

	return types.NewProbeConfigBuilder().
		Peer(peer).
		Ports(ports).
		PayloadSize(int(payload)).
		PacketCount(int(count)).
		InterSendDelay(time.Duration(delay)).
		TTL(int(ttl)).
		InterMeasurementWait(time.Duration(wait)).
		Build()
}

var errShortBody = errors.New("record body truncated")

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = fmt.Errorf("%w: %w", types.ErrProtocol, errShortBody)
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
