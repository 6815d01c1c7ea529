package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubcompPacket is the QoS 2 publish-complete packet, the final step of
// the QoS 2 handshake.
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() uint8 { return PUBCOMP }

// Encode appends the encoded PUBCOMP packet to dst.
func (p *PubcompPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: PUBCOMP, RemainingLength: 2}
	dst = header.appendBytes(dst)
	return binary.BigEndian.AppendUint16(dst, p.PacketID), nil
}

// WriteTo writes the PUBCOMP packet to w.
func (p *PubcompPacket) WriteTo(w io.Writer) (int64, error) {
	bufPtr := GetBuffer(4096)
	defer PutBuffer(bufPtr)
	data, err := p.Encode((*bufPtr)[:0])
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// DecodePubcomp decodes a PUBCOMP packet from buf.
func DecodePubcomp(buf []byte) (*PubcompPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBCOMP packet")
	}
	return &PubcompPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
