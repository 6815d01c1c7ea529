// Package session implements the MQTT 3.1.1 session state machine: packet
// identifier bookkeeping, QoS 1/2 in-flight tracking, and keep-alive
// liveness. State has exactly one owner — the event loop goroutine that
// calls its methods — and takes no lock of its own.
package session

import (
	"time"

	"github.com/brownfield-io/mqttcore/internal/packets"
)

// Status is the connection lifecycle state of a State.
type Status int

const (
	StatusDisconnected Status = iota
	StatusHandshaking
	StatusConnected
	StatusDisconnecting
)

// LastWill is the broker-published message sent on an unexpected
// disconnect.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// Config is the subset of client configuration the session machine needs
// to build a CONNECT packet and to decide keep-alive timing.
type Config struct {
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration
	Username     string
	Password     string
	UsernameFlag bool
	PasswordFlag bool
	LastWill     *LastWill
}

// Subscription is a previously submitted topic filter, retained so it can
// be inspected by callers building reconnect logic. The session machine
// itself never re-subscribes on the caller's behalf — MQTT 3.1.1 brokers
// retain subscriptions across a non-clean session on their own.
type Subscription struct {
	Topic string
	QoS   uint8
}

// State is the pure, non-blocking MQTT session state machine described in
// package session's doc comment.
type State struct {
	cfg    Config
	Status Status

	awaitPingResp bool
	lastOutgoing  time.Time
	lastIncoming  time.Time

	lastPkid uint16

	outgoingPub map[uint16]*packets.PublishPacket
	outgoingRel map[uint16]struct{}
	incomingPub map[uint16]struct{}

	// outgoingOrder holds the packet ids of outgoing QoS>0 publishes in
	// the order they were submitted, whether they are currently awaiting
	// a PUBACK/PUBREC (live in outgoingPub) or a PUBCOMP (moved to
	// outgoingRel after PUBREC). ReplayInFlight walks this slice instead
	// of either map so reconnect replay preserves submission order.
	outgoingOrder []uint16

	subscriptions []Subscription
}

// New creates a session in StatusDisconnected.
func New(cfg Config) *State {
	return &State{
		cfg:         cfg,
		outgoingPub: make(map[uint16]*packets.PublishPacket),
		outgoingRel: make(map[uint16]struct{}),
		incomingPub: make(map[uint16]struct{}),
	}
}

// UpdateConfig replaces the connect-time configuration used by the next
// BuildConnect call, without touching in-flight bookkeeping. The event
// loop calls this before every (re)connect attempt so credentials that
// must be refreshed per-connection (a short-lived signed password, for
// instance) don't require discarding the session along with them.
func (s *State) UpdateConfig(cfg Config) {
	s.cfg = cfg
}

// Subscriptions returns the topic filters submitted so far, in submission
// order.
func (s *State) Subscriptions() []Subscription {
	return append([]Subscription(nil), s.subscriptions...)
}

// InFlightCount reports the number of outgoing QoS>0 publishes awaiting a
// terminal acknowledgment. The event loop uses this to apply
// outgoing_queuelimit backpressure.
func (s *State) InFlightCount() int {
	return len(s.outgoingPub) + len(s.outgoingRel)
}

// BuildConnect produces the CONNECT packet for this session. It requires
// StatusDisconnected and transitions to StatusHandshaking.
func (s *State) BuildConnect() (*packets.ConnectPacket, error) {
	if s.Status != StatusDisconnected {
		return nil, &StateError{Kind: ErrInvalidState}
	}

	pkt := &packets.ConnectPacket{
		ProtocolName:  packets.ProtocolName,
		ProtocolLevel: packets.ProtocolLevel,
		CleanSession:  s.cfg.CleanSession,
		KeepAlive:     uint16(s.cfg.KeepAlive / time.Second),
		ClientID:      s.cfg.ClientID,
		UsernameFlag:  s.cfg.UsernameFlag,
		Username:      s.cfg.Username,
		PasswordFlag:  s.cfg.PasswordFlag,
		Password:      s.cfg.Password,
	}

	if s.cfg.LastWill != nil {
		pkt.WillFlag = true
		pkt.WillQoS = s.cfg.LastWill.QoS
		pkt.WillRetain = s.cfg.LastWill.Retain
		pkt.WillTopic = s.cfg.LastWill.Topic
		pkt.WillMessage = s.cfg.LastWill.Payload
	}

	s.Status = StatusHandshaking
	return pkt, nil
}

// Reset clears in-flight bookkeeping for a new, clean session. It is
// called by handleConnack when a CONNACK accepts a session configured
// with CleanSession.
func (s *State) Reset() {
	s.outgoingPub = make(map[uint16]*packets.PublishPacket)
	s.outgoingRel = make(map[uint16]struct{})
	s.incomingPub = make(map[uint16]struct{})
	s.outgoingOrder = nil
	s.subscriptions = nil
	s.awaitPingResp = false
}

// HandleOutgoingPublish stamps a user publish with a packet identifier
// (for QoS>0) and records it in the in-flight table.
func (s *State) HandleOutgoingPublish(topic string, qos uint8, retain bool, payload []byte, now time.Time) (*packets.PublishPacket, error) {
	pkt := &packets.PublishPacket{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	}

	if qos > 0 {
		id, err := s.allocatePacketID()
		if err != nil {
			return nil, err
		}
		pkt.PacketID = id
		s.outgoingPub[id] = pkt
		s.outgoingOrder = append(s.outgoingOrder, id)
	}

	s.lastOutgoing = now
	return pkt, nil
}

// HandleOutgoingSubscribe allocates a packet identifier for a SUBSCRIBE
// request and appends it to the subscription log.
func (s *State) HandleOutgoingSubscribe(topics []string, qos []uint8, now time.Time) (*packets.SubscribePacket, error) {
	id, err := s.allocatePacketID()
	if err != nil {
		return nil, err
	}

	for i, t := range topics {
		q := uint8(0)
		if i < len(qos) {
			q = qos[i]
		}
		s.subscriptions = append(s.subscriptions, Subscription{Topic: t, QoS: q})
	}

	s.lastOutgoing = now
	return &packets.SubscribePacket{PacketID: id, Topics: topics, QoS: qos}, nil
}

// HandleOutgoingUnsubscribe allocates a packet identifier for an
// UNSUBSCRIBE request.
func (s *State) HandleOutgoingUnsubscribe(topics []string, now time.Time) (*packets.UnsubscribePacket, error) {
	id, err := s.allocatePacketID()
	if err != nil {
		return nil, err
	}

	s.lastOutgoing = now
	return &packets.UnsubscribePacket{PacketID: id, Topics: topics}, nil
}

// HandleOutgoingDisconnect transitions the session to StatusDisconnecting
// and produces the DISCONNECT packet.
func (s *State) HandleOutgoingDisconnect() *packets.DisconnectPacket {
	s.Status = StatusDisconnecting
	return &packets.DisconnectPacket{}
}

// BuildPingReq produces a PINGREQ and marks a response as awaited.
func (s *State) BuildPingReq(now time.Time) *packets.PingreqPacket {
	s.awaitPingResp = true
	s.lastOutgoing = now
	return &packets.PingreqPacket{}
}

// IsPingRequired reports whether the event loop should send a PINGREQ:
// the session is connected, the keep-alive interval has elapsed since the
// last packet in either direction, and no PINGRESP is already pending.
func (s *State) IsPingRequired(now time.Time) bool {
	if s.Status != StatusConnected || s.awaitPingResp {
		return false
	}
	last := s.lastOutgoing
	if s.lastIncoming.After(last) {
		last = s.lastIncoming
	}
	return now.Sub(last) >= s.cfg.KeepAlive
}

// KeepAliveExpired reports whether a PINGREQ is outstanding and no packet
// has arrived from the broker for at least 1.5x the keep-alive interval,
// the threshold at which the event loop must treat the connection as dead.
func (s *State) KeepAliveExpired(now time.Time) bool {
	if !s.awaitPingResp {
		return false
	}
	return now.Sub(s.lastIncoming) >= (s.cfg.KeepAlive*3)/2
}

// ReplayInFlight returns every unacknowledged outgoing publish (marked
// DUP) and every owed PubRel, in the order the original publishes were
// submitted, for resubmission after a reconnect that resumed a non-clean
// session.
func (s *State) ReplayInFlight() []packets.Packet {
	var out []packets.Packet
	for _, id := range s.outgoingOrder {
		if pkt, ok := s.outgoingPub[id]; ok {
			dup := *pkt
			dup.Dup = true
			out = append(out, &dup)
			continue
		}
		if _, ok := s.outgoingRel[id]; ok {
			out = append(out, &packets.PubrelPacket{PacketID: id})
		}
	}
	return out
}

// removeOutgoingOrder drops id from outgoingOrder once it has been fully
// acknowledged (PUBACK for QoS 1, PUBCOMP for QoS 2).
func (s *State) removeOutgoingOrder(id uint16) {
	for i, v := range s.outgoingOrder {
		if v == id {
			s.outgoingOrder = append(s.outgoingOrder[:i], s.outgoingOrder[i+1:]...)
			return
		}
	}
}

// HandleIncoming processes one packet received from the broker. It
// returns the notification to surface to the application (Kind ==
// NotifyNone for none), the reply packet to send back (nil for none), and
// an error if the packet violates session invariants.
func (s *State) HandleIncoming(pkt packets.Packet, now time.Time) (Notification, packets.Packet, error) {
	s.lastIncoming = now

	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		return s.handleConnack(p)

	case *packets.PublishPacket:
		return s.handlePublish(p)

	case *packets.PubackPacket:
		if _, ok := s.outgoingPub[p.PacketID]; !ok {
			return Notification{}, nil, &StateError{Kind: ErrUnsolicitedAck, PacketID: p.PacketID}
		}
		delete(s.outgoingPub, p.PacketID)
		s.removeOutgoingOrder(p.PacketID)
		return Notification{Kind: NotifyPubAck, PacketID: p.PacketID}, nil, nil

	case *packets.PubrecPacket:
		if _, ok := s.outgoingPub[p.PacketID]; !ok {
			return Notification{}, nil, &StateError{Kind: ErrUnsolicitedAck, PacketID: p.PacketID}
		}
		delete(s.outgoingPub, p.PacketID)
		s.outgoingRel[p.PacketID] = struct{}{}
		return Notification{Kind: NotifyPubRec, PacketID: p.PacketID}, &packets.PubrelPacket{PacketID: p.PacketID}, nil

	case *packets.PubrelPacket:
		if _, ok := s.incomingPub[p.PacketID]; !ok {
			return Notification{}, nil, &StateError{Kind: ErrUnsolicitedPubRel, PacketID: p.PacketID}
		}
		delete(s.incomingPub, p.PacketID)
		return Notification{Kind: NotifyPubRel, PacketID: p.PacketID}, &packets.PubcompPacket{PacketID: p.PacketID}, nil

	case *packets.PubcompPacket:
		if _, ok := s.outgoingRel[p.PacketID]; !ok {
			return Notification{}, nil, &StateError{Kind: ErrUnsolicitedAck, PacketID: p.PacketID}
		}
		delete(s.outgoingRel, p.PacketID)
		s.removeOutgoingOrder(p.PacketID)
		return Notification{Kind: NotifyPubComp, PacketID: p.PacketID}, nil, nil

	case *packets.SubackPacket:
		return Notification{Kind: NotifySubAck, PacketID: p.PacketID, ReturnCodes: p.ReturnCodes}, nil, nil

	case *packets.UnsubackPacket:
		return Notification{Kind: NotifyUnsubAck, PacketID: p.PacketID}, nil, nil

	case *packets.PingrespPacket:
		s.awaitPingResp = false
		return Notification{}, nil, nil

	default:
		return Notification{}, nil, nil
	}
}

func (s *State) handleConnack(p *packets.ConnackPacket) (Notification, packets.Packet, error) {
	if s.Status != StatusHandshaking {
		return Notification{}, nil, &StateError{Kind: ErrInvalidState}
	}

	if p.ReturnCode != packets.ConnAccepted {
		s.Status = StatusDisconnected
		return Notification{}, nil, &StateError{Kind: ErrConnAckFailed, ReturnCode: p.ReturnCode}
	}

	if p.SessionPresent && s.cfg.CleanSession {
		s.Status = StatusDisconnected
		return Notification{}, nil, &StateError{Kind: ErrUnexpectedSessionPresent}
	}

	if !p.SessionPresent {
		if s.cfg.CleanSession {
			// A clean session always starts with empty tables.
			s.Reset()
		} else {
			// The broker lost a non-clean session. Its side of any
			// incoming QoS 2 exchange is gone, but unacknowledged
			// outgoing publishes are kept so ReplayInFlight resends
			// them with DUP set.
			s.incomingPub = make(map[uint16]struct{})
		}
	}

	s.Status = StatusConnected
	s.awaitPingResp = false
	return Notification{}, nil, nil
}

func (s *State) handlePublish(p *packets.PublishPacket) (Notification, packets.Packet, error) {
	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	switch p.QoS {
	case 0:
		return Notification{Kind: NotifyPublish, Publish: msg}, nil, nil

	case 1:
		return Notification{Kind: NotifyPublish, Publish: msg}, &packets.PubackPacket{PacketID: p.PacketID}, nil

	case 2:
		if _, dup := s.incomingPub[p.PacketID]; dup {
			return Notification{}, &packets.PubrecPacket{PacketID: p.PacketID}, nil
		}
		s.incomingPub[p.PacketID] = struct{}{}
		return Notification{Kind: NotifyPublish, Publish: msg}, &packets.PubrecPacket{PacketID: p.PacketID}, nil

	default:
		return Notification{}, nil, nil
	}
}

// allocatePacketID walks the u16 space starting just after the last
// allocated id, skipping 0 and any id currently live in outgoingPub or
// outgoingRel, per MQTT section 2.3.1.
func (s *State) allocatePacketID() (uint16, error) {
	for range 65535 {
		s.lastPkid++
		if s.lastPkid == 0 {
			s.lastPkid = 1
		}
		if _, inPub := s.outgoingPub[s.lastPkid]; inPub {
			continue
		}
		if _, inRel := s.outgoingRel[s.lastPkid]; inRel {
			continue
		}
		return s.lastPkid, nil
	}
	return 0, &StateError{Kind: ErrPacketIDsExhausted}
}
