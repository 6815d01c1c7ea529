package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubrecPacket is the QoS 2 publish-received acknowledgment.
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() uint8 { return PUBREC }

// Encode appends the encoded PUBREC packet to dst.
func (p *PubrecPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: PUBREC, RemainingLength: 2}
	dst = header.appendBytes(dst)
	return binary.BigEndian.AppendUint16(dst, p.PacketID), nil
}

// WriteTo writes the PUBREC packet to w.
func (p *PubrecPacket) WriteTo(w io.Writer) (int64, error) {
	bufPtr := GetBuffer(4096)
	defer PutBuffer(bufPtr)
	data, err := p.Encode((*bufPtr)[:0])
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// DecodePubrec decodes a PUBREC packet from buf.
func DecodePubrec(buf []byte) (*PubrecPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBREC packet")
	}
	return &PubrecPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
