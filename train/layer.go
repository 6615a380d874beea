package train

import (
	"compression-detector/types"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeProbe decodes the body of a probe datagram: a big-endian sequence
// id followed by the train payload.
var LayerTypeProbe = gopacket.RegisterLayerType(1971, gopacket.LayerTypeMetadata{
	Name:    "CompressionProbe",
	Decoder: gopacket.DecodeFunc(decodeProbe),
})

type ProbeLayer struct {
	layers.BaseLayer
	Seq uint32
}

func (p *ProbeLayer) LayerType() gopacket.LayerType { return LayerTypeProbe }

func (p *ProbeLayer) CanDecode() gopacket.LayerClass { return LayerTypeProbe }

func (p *ProbeLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (p *ProbeLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < types.SeqIDSize {
		df.SetTruncated()
		return fmt.Errorf("probe datagram of %d bytes is shorter than its sequence id", len(data))
	}
	p.Seq = binary.BigEndian.Uint32(data[:types.SeqIDSize])
	p.BaseLayer = layers.BaseLayer{Contents: data[:types.SeqIDSize], Payload: data[types.SeqIDSize:]}
	return nil
}

func (p *ProbeLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(types.SeqIDSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bytes, p.Seq)
	return nil
}

func decodeProbe(data []byte, p gopacket.PacketBuilder) error {
	probe := &ProbeLayer{}
	if err := probe.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(probe)
	return p.NextDecoder(probe.NextLayerType())
}

// Encode serializes pkt into a probe datagram.
func Encode(pkt types.ProbePacket) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&ProbeLayer{Seq: pkt.Seq},
		gopacket.Payload(pkt.Payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize probe %d: %w", pkt.Seq, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a probe datagram without copying; the returned layer aliases data.
func Decode(data []byte) (*ProbeLayer, error) {
	probe := &ProbeLayer{}
	if err := probe.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return probe, nil
}
