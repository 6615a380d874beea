package types

import (
	"fmt"
	"time"
)

type EntropyClass uint8

const (
	EntropyLow EntropyClass = iota
	EntropyHigh
)

func (c EntropyClass) String() string {
	switch c {
	case EntropyLow:
		return "low"
	case EntropyHigh:
		return "high"
	default:
		return fmt.Sprintf("entropy(%d)", uint8(c))
	}
}

// SeqIDSize is the width of the sequence id that prefixes every probe datagram.
const SeqIDSize = 4

type ProbePacket struct {
	Seq     uint32
	Payload []byte
	Class   EntropyClass
}

// Len is the datagram length on the wire, sequence id included.
func (p ProbePacket) Len() int {
	return SeqIDSize + len(p.Payload)
}

type ArrivalRecord struct {
	Seq        uint32
	ReceivedAt time.Time
	Length     int
}

type TrainMeasurement struct {
	Class    EntropyClass
	Stream   StreamKey
	Expected int
	Records  []ArrivalRecord

	Received      int
	Lost          int
	Duplicates    int
	Malformed     int
	OutOfOrder    int
	ReceivedBytes uint64
	TimedOut      bool

	Elapsed   time.Duration
	MeanGap   time.Duration
	MedianGap time.Duration
	GapJitter time.Duration
	Quality   float64

	// Filled from the passive capture when one is attached to the responder.
	WireSamples int
	WireBytes   uint64
}

// ReceivedFraction is received/expected, 0 when nothing was expected.
func (m TrainMeasurement) ReceivedFraction() float64 {
	if m.Expected <= 0 {
		return 0
	}
	return float64(m.Received) / float64(m.Expected)
}

// NormalizedElapsed is the elapsed time per observed inter-arrival gap.
func (m TrainMeasurement) NormalizedElapsed() time.Duration {
	if m.Received < 2 {
		return 0
	}
	return m.Elapsed / time.Duration(m.Received-1)
}

type SendRecord struct {
	Seq    uint32
	SentAt time.Time
	Err    error
}

type SendReport struct {
	Class   EntropyClass
	Records []SendRecord
	Sent    int
	Failed  int
	Elapsed time.Duration
}
