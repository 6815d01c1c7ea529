package session

import (
	"testing"
	"time"

	"github.com/brownfield-io/mqttcore/internal/packets"
)

func connect(t *testing.T, s *State) {
	t.Helper()
	if _, err := s.BuildConnect(); err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	notif, reply, err := s.HandleIncoming(&packets.ConnackPacket{ReturnCode: packets.ConnAccepted}, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(CONNACK): %v", err)
	}
	if reply != nil || notif.Kind != NotifyNone {
		t.Fatalf("unexpected connack side effects: reply=%v notif=%v", reply, notif)
	}
	if s.Status != StatusConnected {
		t.Fatalf("Status = %v, want StatusConnected", s.Status)
	}
}

func TestQoS1RoundTrip(t *testing.T) {
	s := New(Config{ClientID: "c1", CleanSession: true, KeepAlive: 30 * time.Second})
	connect(t, s)

	pub, err := s.HandleOutgoingPublish("a/b", packets.QoS1, false, []byte("hi"), time.Now())
	if err != nil {
		t.Fatalf("HandleOutgoingPublish: %v", err)
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount = %d, want 1", s.InFlightCount())
	}

	notif, reply, err := s.HandleIncoming(&packets.PubackPacket{PacketID: pub.PacketID}, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(PUBACK): %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no reply to PUBACK, got %v", reply)
	}
	if notif.Kind != NotifyPubAck || notif.PacketID != pub.PacketID {
		t.Fatalf("notif = %+v", notif)
	}
	if s.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after ack = %d, want 0", s.InFlightCount())
	}
}

func TestQoS2RoundTrip(t *testing.T) {
	s := New(Config{ClientID: "c2", CleanSession: true, KeepAlive: 30 * time.Second})
	connect(t, s)

	pub, err := s.HandleOutgoingPublish("a/b", packets.QoS2, false, []byte("hi"), time.Now())
	if err != nil {
		t.Fatalf("HandleOutgoingPublish: %v", err)
	}

	notif, reply, err := s.HandleIncoming(&packets.PubrecPacket{PacketID: pub.PacketID}, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(PUBREC): %v", err)
	}
	rel, ok := reply.(*packets.PubrelPacket)
	if !ok || rel.PacketID != pub.PacketID {
		t.Fatalf("expected PUBREL reply, got %v", reply)
	}
	if notif.Kind != NotifyPubRec {
		t.Fatalf("notif.Kind = %v, want NotifyPubRec", notif.Kind)
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount after pubrec = %d, want 1 (moved to outgoingRel)", s.InFlightCount())
	}

	notif, reply, err = s.HandleIncoming(&packets.PubcompPacket{PacketID: pub.PacketID}, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(PUBCOMP): %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no reply to PUBCOMP, got %v", reply)
	}
	if notif.Kind != NotifyPubComp {
		t.Fatalf("notif.Kind = %v, want NotifyPubComp", notif.Kind)
	}
	if s.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after pubcomp = %d, want 0", s.InFlightCount())
	}
}

func TestIncomingQoS2DuplicateSuppressed(t *testing.T) {
	s := New(Config{ClientID: "c3", CleanSession: true, KeepAlive: 30 * time.Second})
	connect(t, s)

	pkt := &packets.PublishPacket{Topic: "a/b", QoS: packets.QoS2, PacketID: 5, Payload: []byte("x")}

	notif, reply, err := s.HandleIncoming(pkt, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(first publish): %v", err)
	}
	if notif.Kind != NotifyPublish {
		t.Fatalf("first delivery notif.Kind = %v, want NotifyPublish", notif.Kind)
	}
	if _, ok := reply.(*packets.PubrecPacket); !ok {
		t.Fatalf("expected PUBREC reply, got %v", reply)
	}

	notif, reply, err = s.HandleIncoming(pkt, time.Now())
	if err != nil {
		t.Fatalf("HandleIncoming(duplicate publish): %v", err)
	}
	if notif.Kind != NotifyNone {
		t.Fatalf("duplicate delivery notif.Kind = %v, want NotifyNone", notif.Kind)
	}
	if _, ok := reply.(*packets.PubrecPacket); !ok {
		t.Fatalf("expected PUBREC reply even on duplicate, got %v", reply)
	}
}

func TestNonCleanSessionLostByBrokerKeepsInFlight(t *testing.T) {
	s := New(Config{ClientID: "c4", CleanSession: false, KeepAlive: 30 * time.Second})
	connect(t, s)

	if _, err := s.HandleOutgoingPublish("a/b", packets.QoS1, false, []byte("x"), time.Now()); err != nil {
		t.Fatalf("HandleOutgoingPublish: %v", err)
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount = %d, want 1", s.InFlightCount())
	}

	// Simulate a reconnect where the broker reports no resumed session:
	// the unacknowledged publish stays in flight so it can be resent
	// with DUP set.
	s.Status = StatusDisconnected
	if _, err := s.BuildConnect(); err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	if _, _, err := s.HandleIncoming(&packets.ConnackPacket{SessionPresent: false, ReturnCode: packets.ConnAccepted}, time.Now()); err != nil {
		t.Fatalf("HandleIncoming(CONNACK): %v", err)
	}

	if s.InFlightCount() != 1 {
		t.Fatalf("InFlightCount after session loss = %d, want 1", s.InFlightCount())
	}
}

func TestNonCleanSessionReconnectReplaysInFlight(t *testing.T) {
	s := New(Config{ClientID: "c5", CleanSession: false, KeepAlive: 30 * time.Second})
	connect(t, s)

	pub, err := s.HandleOutgoingPublish("a/b", packets.QoS1, false, []byte("x"), time.Now())
	if err != nil {
		t.Fatalf("HandleOutgoingPublish: %v", err)
	}

	s.Status = StatusDisconnected
	if _, err := s.BuildConnect(); err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	if _, _, err := s.HandleIncoming(&packets.ConnackPacket{SessionPresent: true, ReturnCode: packets.ConnAccepted}, time.Now()); err != nil {
		t.Fatalf("HandleIncoming(CONNACK): %v", err)
	}

	replay := s.ReplayInFlight()
	if len(replay) != 1 {
		t.Fatalf("ReplayInFlight() = %d packets, want 1", len(replay))
	}
	rp, ok := replay[0].(*packets.PublishPacket)
	if !ok || rp.PacketID != pub.PacketID || !rp.Dup {
		t.Fatalf("replay packet = %+v, want dup publish with id %d", replay[0], pub.PacketID)
	}
}

func TestReplayInFlightPreservesSubmissionOrder(t *testing.T) {
	s := New(Config{ClientID: "c10", CleanSession: false, KeepAlive: 30 * time.Second})
	connect(t, s)

	var ids []uint16
	for i := 0; i < 5; i++ {
		pub, err := s.HandleOutgoingPublish("a/b", packets.QoS1, false, []byte{byte(i)}, time.Now())
		if err != nil {
			t.Fatalf("HandleOutgoingPublish: %v", err)
		}
		ids = append(ids, pub.PacketID)
	}

	// Acknowledge the middle publish so its id drops out of outgoingOrder
	// before replay is ever asked for, and confirm the remaining ids
	// still replay in their original relative order.
	if _, _, err := s.HandleIncoming(&packets.PubackPacket{PacketID: ids[2]}, time.Now()); err != nil {
		t.Fatalf("HandleIncoming(PUBACK): %v", err)
	}
	want := []uint16{ids[0], ids[1], ids[3], ids[4]}

	s.Status = StatusDisconnected
	if _, err := s.BuildConnect(); err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	if _, _, err := s.HandleIncoming(&packets.ConnackPacket{SessionPresent: true, ReturnCode: packets.ConnAccepted}, time.Now()); err != nil {
		t.Fatalf("HandleIncoming(CONNACK): %v", err)
	}

	replay := s.ReplayInFlight()
	if len(replay) != len(want) {
		t.Fatalf("ReplayInFlight() = %d packets, want %d", len(replay), len(want))
	}
	for i, pkt := range replay {
		pub, ok := pkt.(*packets.PublishPacket)
		if !ok || pub.PacketID != want[i] {
			t.Fatalf("replay[%d] = %+v, want dup publish with id %d", i, pkt, want[i])
		}
	}
}

func TestCleanSessionWithSessionPresentIsProtocolError(t *testing.T) {
	s := New(Config{ClientID: "c6", CleanSession: true, KeepAlive: 30 * time.Second})
	if _, err := s.BuildConnect(); err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}

	_, _, err := s.HandleIncoming(&packets.ConnackPacket{SessionPresent: true, ReturnCode: packets.ConnAccepted}, time.Now())
	if err == nil {
		t.Fatal("expected error for session_present=true under clean_session=true")
	}
	se, ok := err.(*StateError)
	if !ok || se.Kind != ErrUnexpectedSessionPresent {
		t.Fatalf("err = %v, want ErrUnexpectedSessionPresent", err)
	}
}

func TestKeepAliveTiming(t *testing.T) {
	s := New(Config{ClientID: "c7", CleanSession: true, KeepAlive: 10 * time.Second})
	connect(t, s)

	now := time.Now()
	if s.IsPingRequired(now) {
		t.Fatal("ping required immediately after connect")
	}

	justBefore := now.Add(9 * time.Second)
	if s.IsPingRequired(justBefore) {
		t.Fatal("ping required before keep-alive elapsed")
	}

	atBoundary := now.Add(10 * time.Second)
	if !s.IsPingRequired(atBoundary) {
		t.Fatal("ping not required at keep-alive boundary")
	}

	ping := s.BuildPingReq(atBoundary)
	if ping == nil {
		t.Fatal("BuildPingReq returned nil")
	}
	if s.IsPingRequired(atBoundary) {
		t.Fatal("ping required again immediately after sending one")
	}

	if s.KeepAliveExpired(atBoundary.Add(4 * time.Second)) {
		t.Fatal("keep-alive reported expired before 1.5x interval")
	}
	if !s.KeepAliveExpired(atBoundary.Add(5 * time.Second)) {
		t.Fatal("keep-alive not reported expired after 1.5x interval")
	}

	if _, _, err := s.HandleIncoming(&packets.PingrespPacket{}, atBoundary.Add(time.Second)); err != nil {
		t.Fatalf("HandleIncoming(PINGRESP): %v", err)
	}
	if s.KeepAliveExpired(atBoundary.Add(20 * time.Second)) {
		t.Fatal("keep-alive reported expired after PINGRESP cleared it")
	}
}

func TestUnsolicitedAckIsRejected(t *testing.T) {
	s := New(Config{ClientID: "c8", CleanSession: true, KeepAlive: 30 * time.Second})
	connect(t, s)

	_, _, err := s.HandleIncoming(&packets.PubackPacket{PacketID: 999}, time.Now())
	if err == nil {
		t.Fatal("expected error for unsolicited PUBACK")
	}
	se, ok := err.(*StateError)
	if !ok || se.Kind != ErrUnsolicitedAck {
		t.Fatalf("err = %v, want ErrUnsolicitedAck", err)
	}
}

func TestPacketIDsAreUniqueAcrossTables(t *testing.T) {
	s := New(Config{ClientID: "c9", CleanSession: true, KeepAlive: 30 * time.Second})
	connect(t, s)

	seen := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		pub, err := s.HandleOutgoingPublish("a/b", packets.QoS1, false, nil, time.Now())
		if err != nil {
			t.Fatalf("HandleOutgoingPublish: %v", err)
		}
		if pub.PacketID == 0 {
			t.Fatal("allocated packet id 0")
		}
		if seen[pub.PacketID] {
			t.Fatalf("packet id %d reused while still in flight", pub.PacketID)
		}
		seen[pub.PacketID] = true
	}
}
