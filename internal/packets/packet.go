package packets

import "io"

// Packet is implemented by every MQTT control packet.
type Packet interface {
	// Type returns the MQTT control packet type.
	Type() uint8

	// WriteTo writes the packet to w and returns the number of bytes
	// written.
	WriteTo(w io.Writer) (int64, error)
}
