package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() uint8 { return PUBACK }

// Encode appends the encoded PUBACK packet to dst.
func (p *PubackPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: PUBACK, RemainingLength: 2}
	dst = header.appendBytes(dst)
	return binary.BigEndian.AppendUint16(dst, p.PacketID), nil
}

// WriteTo writes the PUBACK packet to w.
func (p *PubackPacket) WriteTo(w io.Writer) (int64, error) {
	bufPtr := GetBuffer(4096)
	defer PutBuffer(bufPtr)
	data, err := p.Encode((*bufPtr)[:0])
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// DecodePuback decodes a PUBACK packet from buf.
func DecodePuback(buf []byte) (*PubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBACK packet")
	}
	return &PubackPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
