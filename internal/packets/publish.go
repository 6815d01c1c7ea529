package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PublishPacket is an MQTT 3.1.1 PUBLISH control packet.
type PublishPacket struct {
	Dup    bool
	QoS    uint8
	Retain bool

	Topic    string
	PacketID uint16 // only present if QoS > 0

	Payload []byte
}

// Type returns the packet type.
func (p *PublishPacket) Type() uint8 { return PUBLISH }

// Encode appends the encoded PUBLISH packet to dst.
func (p *PublishPacket) Encode(dst []byte) ([]byte, error) {
	variableHeaderLen := 2 + len(p.Topic)
	if p.QoS > 0 {
		variableHeaderLen += 2
	}

	remainingLength := variableHeaderLen + len(p.Payload)

	var flags uint8
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	header := FixedHeader{
		PacketType:      PUBLISH,
		Flags:           flags,
		RemainingLength: remainingLength,
	}
	dst = header.appendBytes(dst)

	dst = appendString(dst, p.Topic)
	if p.QoS > 0 {
		dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	}
	dst = append(dst, p.Payload...)

	return dst, nil
}

// WriteTo writes the PUBLISH packet to w.
func (p *PublishPacket) WriteTo(w io.Writer) (int64, error) {
	bufPtr := GetBuffer(4096)
	defer PutBuffer(bufPtr)

	data, err := p.Encode((*bufPtr)[:0])
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// DecodePublish decodes a PUBLISH packet from buf, using the flags carried
// in the fixed header.
func DecodePublish(buf []byte, fixedHeader *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{
		Dup:    fixedHeader.Flags&0x08 != 0,
		QoS:    (fixedHeader.Flags >> 1) & 0x03,
		Retain: fixedHeader.Flags&0x01 != 0,
	}

	offset := 0

	topic, n, err := decodeString(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode topic: %w", err)
	}
	pkt.Topic = topic
	offset += n

	if pkt.QoS > 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for packet ID")
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2
	}

	pkt.Payload = make([]byte, len(buf)-offset)
	copy(pkt.Payload, buf[offset:])

	return pkt, nil
}
