// Package train builds the probe packet trains and their wire encoding.
package train

import (
	"bytes"
	"compress/gzip"
	"compression-detector/types"
	"encoding/binary"
	"iter"
	"math/rand/v2"
)

// Generate returns a lazy sequence of count probe packets whose datagrams are
// payloadSize bytes long. Every range over the sequence starts again at
// sequence id 1; high entropy trains draw a fresh seed each time.
func Generate(count, payloadSize int, class types.EntropyClass) iter.Seq[types.ProbePacket] {
	return func(yield func(types.ProbePacket) bool) {
		bodySize := payloadSize - types.SeqIDSize
		if count < 1 || bodySize < 0 {
			return
		}

		var src *rand.ChaCha8
		if class == types.EntropyHigh {
			src = newSource()
		}

		for seq := 1; seq <= count; seq++ {
			payload := make([]byte, bodySize)
			if src != nil {
				// ChaCha8.Read never fails.
				_, _ = src.Read(payload)
			}
			if !yield(types.ProbePacket{Seq: uint32(seq), Payload: payload, Class: class}) {
				return
			}
		}
	}
}

func newSource() *rand.ChaCha8 {
	var seed [32]byte
	for i := 0; i < len(seed); i += 8 {
		binary.LittleEndian.PutUint64(seed[i:], rand.Uint64())
	}
	return rand.NewChaCha8(seed)
}

// Compressibility returns gzip output size over input size for payload.
// Values well below 1 mean a compressing middlebox would shrink the payload.
func Compressibility(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return 0
	}
	if _, err := w.Write(payload); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return float64(buf.Len()) / float64(len(payload))
}
