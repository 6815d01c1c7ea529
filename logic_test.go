package mqttcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/brownfield-io/mqttcore/internal/packets"
	"github.com/brownfield-io/mqttcore/internal/session"
)

// fakeBroker performs just enough of the wire protocol over a net.Pipe
// to drive the event loop through a handshake and a single publish.
func fakeBroker(t *testing.T, serverConn net.Conn, onPublish func(*packets.PublishPacket)) {
	t.Helper()
	go func() {
		for {
			pkt, err := packets.ReadPacket(serverConn, 0)
			if err != nil {
				return
			}
			switch p := pkt.(type) {
			case *packets.ConnectPacket:
				ack := &packets.ConnackPacket{ReturnCode: packets.ConnAccepted}
				ack.WriteTo(serverConn)
			case *packets.PublishPacket:
				if onPublish != nil {
					onPublish(p)
				}
				if p.QoS == packets.QoS1 {
					puback := &packets.PubackPacket{PacketID: p.PacketID}
					puback.WriteTo(serverConn)
				}
			case *packets.PingreqPacket:
				(&packets.PingrespPacket{}).WriteTo(serverConn)
			case *packets.DisconnectPacket:
				return
			}
		}
	}()
}

func TestEventLoopPublishQoS1(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	received := make(chan *packets.PublishPacket, 1)
	fakeBroker(t, serverConn, func(p *packets.PublishPacket) { received <- p })

	opts, err := New(WithClientID("pipe-client"), WithBroker("unused", 0), WithKeepAlive(30*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l := &eventLoop{
		opts:          opts,
		requests:      make(chan Request),
		notifications: make(chan Notification, 4),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		sessCfg, err := l.sessionConfig()
		if err != nil {
			done <- err
			return
		}
		state := session.New(sessCfg)
		connectPkt, _ := state.BuildConnect()
		connectPkt.WriteTo(clientConn)
		first, err := packets.ReadPacket(clientConn, 0)
		if err != nil {
			done <- err
			return
		}
		connack := first.(*packets.ConnackPacket)
		state.HandleIncoming(connack, time.Now())
		done <- l.sessionLoop(ctx, clientConn, state)
	}()

	req := Request{Kind: RequestPublish, Publish: Message{Topic: "a/b", QoS: AtLeastOnce, Payload: []byte("hi")}, done: make(chan error, 1)}
	l.requests <- req
	if err := <-req.done; err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-received:
		if p.Topic != "a/b" || string(p.Payload) != "hi" {
			t.Fatalf("broker received %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broker never saw the publish")
	}

	cancel()
	<-done
}

// TestRunSessionReusesStateAcrossReconnects checks the property that
// eventLoop.run relies on by passing one session.State into every
// runSession call: a publish left in flight on a State is still in its
// tables when that State handshakes again, so it gets replayed instead
// of silently forgotten. The test drives the State directly through the
// same steps runSession takes, without calling runSession itself.
func TestRunSessionReusesStateAcrossReconnects(t *testing.T) {
	state := session.New(session.Config{ClientID: "reconnect-client", CleanSession: false, KeepAlive: 30 * time.Second})

	pub, err := state.HandleOutgoingPublish("a/b", uint8(AtLeastOnce), false, []byte("carried over"), time.Now())
	if err != nil {
		t.Fatalf("HandleOutgoingPublish: %v", err)
	}
	if state.InFlightCount() != 1 {
		t.Fatalf("InFlightCount before reconnect = %d, want 1", state.InFlightCount())
	}

	// Reconnect over a fresh pipe with the same State: a broker that
	// resumes the session (session_present=true) should see the
	// publish replayed with DUP set.
	clientConn2, serverConn2 := net.Pipe()
	defer serverConn2.Close()

	replayed := make(chan *packets.PublishPacket, 1)
	go func() {
		for {
			pkt, err := packets.ReadPacket(serverConn2, 0)
			if err != nil {
				return
			}
			switch p := pkt.(type) {
			case *packets.ConnectPacket:
				ack := &packets.ConnackPacket{ReturnCode: packets.ConnAccepted, SessionPresent: true}
				ack.WriteTo(serverConn2)
			case *packets.PublishPacket:
				replayed <- p
			}
		}
	}()

	state.Status = session.StatusDisconnected
	connectPkt2, err := state.BuildConnect()
	if err != nil {
		t.Fatalf("BuildConnect: %v", err)
	}
	if _, err := connectPkt2.WriteTo(clientConn2); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}
	first, err := packets.ReadPacket(clientConn2, 0)
	if err != nil {
		t.Fatalf("read CONNACK: %v", err)
	}
	if _, _, err := state.HandleIncoming(first.(*packets.ConnackPacket), time.Now()); err != nil {
		t.Fatalf("HandleIncoming(CONNACK): %v", err)
	}

	for _, pkt := range state.ReplayInFlight() {
		if _, err := pkt.WriteTo(clientConn2); err != nil {
			t.Fatalf("replay write: %v", err)
		}
	}

	select {
	case p := <-replayed:
		if p.PacketID != pub.PacketID || !p.Dup || string(p.Payload) != "carried over" {
			t.Fatalf("replayed publish = %+v, want dup id %d payload %q", p, pub.PacketID, "carried over")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broker never saw the replayed publish")
	}
}
