package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubrelPacket is the QoS 2 publish-release packet. Its fixed header flags
// are always 0x02 per MQTT section 3.6.1.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() uint8 { return PUBREL }

// Encode appends the encoded PUBREL packet to dst.
func (p *PubrelPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: PUBREL, Flags: 0x02, RemainingLength: 2}
	dst = header.appendBytes(dst)
	return binary.BigEndian.AppendUint16(dst, p.PacketID), nil
}

// WriteTo writes the PUBREL packet to w.
func (p *PubrelPacket) WriteTo(w io.Writer) (int64, error) {
	bufPtr := GetBuffer(4096)
	defer PutBuffer(bufPtr)
	data, err := p.Encode((*bufPtr)[:0])
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// DecodePubrel decodes a PUBREL packet from buf.
func DecodePubrel(buf []byte) (*PubrelPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBREL packet")
	}
	return &PubrelPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
