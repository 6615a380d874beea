package control

import (
	"compression-detector/types"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// Field names a ProbeConfig field the responder may clamp.
type Field uint16

const (
	FieldPayloadSize Field = 1 << iota
	FieldPacketCount
	FieldInterSendDelay
	FieldInterMeasurementWait
)

var fieldNames = map[Field]string{
	FieldPayloadSize:          "payload_size",
	FieldPacketCount:          "packet_count",
	FieldInterSendDelay:       "inter_send_delay",
	FieldInterMeasurementWait: "inter_measurement_wait",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", uint16(f))
}

type FieldSet uint16

func (s FieldSet) Has(f Field) bool { return s&FieldSet(f) != 0 }

func (s FieldSet) Fields() []Field {
	var out []Field
	for f := FieldPayloadSize; f <= FieldInterMeasurementWait; f <<= 1 {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FieldSet) String() string {
	names := make([]string, 0, 4)
	for _, f := range s.Fields() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// Limits bound what a responder accepts. Zero values mean unlimited.
type Limits struct {
	MaxPayloadSize          int
	MaxPacketCount          int
	MinInterSendDelay       time.Duration
	MaxInterMeasurementWait time.Duration
	// MinInterMeasurementWait keeps the high entropy train from starting
	// before the responder has closed the low entropy one.
	MinInterMeasurementWait time.Duration
}

// Clamp returns the configuration the responder will actually use and the
// set of fields that differ from the request.
func Clamp(cfg types.ProbeConfig, limits Limits) (types.ProbeConfig, FieldSet, error) {
	var clamped FieldSet
	b := cfg.Builder()
	if limits.MaxPayloadSize > 0 && cfg.PayloadSize() > limits.MaxPayloadSize {
		b.PayloadSize(limits.MaxPayloadSize)
		clamped |= FieldSet(FieldPayloadSize)
	}
	if limits.MaxPacketCount > 0 && cfg.PacketCount() > limits.MaxPacketCount {
		b.PacketCount(limits.MaxPacketCount)
		clamped |= FieldSet(FieldPacketCount)
	}
	if cfg.InterSendDelay() < limits.MinInterSendDelay {
		b.InterSendDelay(limits.MinInterSendDelay)
		clamped |= FieldSet(FieldInterSendDelay)
	}
	if cfg.InterMeasurementWait() < limits.MinInterMeasurementWait {
		b.InterMeasurementWait(limits.MinInterMeasurementWait)
		clamped |= FieldSet(FieldInterMeasurementWait)
	}
	// The floor wins when the two limits cross.
	if ceiling := max(limits.MaxInterMeasurementWait, limits.MinInterMeasurementWait); limits.MaxInterMeasurementWait > 0 && cfg.InterMeasurementWait() > ceiling {
		b.InterMeasurementWait(ceiling)
		clamped |= FieldSet(FieldInterMeasurementWait)
	}
	out, err := b.Build()
	if err != nil {
		return types.ProbeConfig{}, 0, err
	}
	return out, clamped, nil
}

type Status uint8

const (
	StatusOK          Status = 0
	StatusRejected    Status = 1
	StatusUnavailable Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ack is the responder's answer to a request. Config and Clamped are only
// meaningful when Status is StatusOK.
type Ack struct {
	Status  Status
	Message string
	Config  types.ProbeConfig
	Clamped FieldSet
}

// ReadRequest reads one request record from the initiator.
func ReadRequest(r io.Reader) (types.ProbeConfig, error) {
	body, err := readRecord(r, recordRequest)
	if err != nil {
		return types.ProbeConfig{}, err
	}
	return decodeConfig(&decoder{buf: body})
}

func WriteRequest(w io.Writer, cfg types.ProbeConfig) error {
	return writeRecord(w, recordRequest, appendConfig(nil, cfg))
}

func WriteAck(w io.Writer, ack Ack) error {
	msg := truncateUTF8(ack.Message, maxAckMessage)
	body := []byte{byte(ack.Status)}
	body = binary.BigEndian.AppendUint16(body, uint16(len(msg)))
	body = append(body, msg...)
	if ack.Status == StatusOK {
		body = appendConfig(body, ack.Config)
		body = binary.BigEndian.AppendUint16(body, uint16(ack.Clamped))
	}
	return writeRecord(w, recordAck, body)
}

const maxAckMessage = 1024

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func ReadAck(r io.Reader) (Ack, error) {
	body, err := readRecord(r, recordAck)
	if err != nil {
		return Ack{}, err
	}
	d := &decoder{buf: body}
	ack := Ack{Status: Status(d.u8())}
	ack.Message = string(d.bytes(int(d.u16())))
	if d.err != nil {
		return Ack{}, d.err
	}
	if ack.Status != StatusOK {
		return ack, nil
	}
	if ack.Config, err = decodeConfig(d); err != nil {
		return Ack{}, err
	}
	ack.Clamped = FieldSet(d.u16())
	return ack, d.err
}
