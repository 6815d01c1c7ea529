package mqttcore

import (
	"context"
	"errors"

	"github.com/brownfield-io/mqttcore/internal/session"
)

// NotificationKind identifies the event carried by a Notification.
type NotificationKind int

const (
	NotifyPublish NotificationKind = iota
	NotifySubAck
	NotifyUnsubAck
	NotifyReconnection
	NotifyDisconnection
)

// Notification is an event delivered from a running session to the
// caller: an incoming message, an acknowledgment of a subscribe or
// unsubscribe, or a change in connection state.
type Notification struct {
	Kind        NotificationKind
	Publish     Message
	ReturnCodes []uint8
	Err         error // set on NotifyDisconnection
}

// ErrReceiverClosed is returned by Recv once the session has shut down
// and no further notifications will arrive.
var ErrReceiverClosed = errors.New("mqttcore: notification receiver closed")

// NotificationReceiver delivers events from a running session. Recv is
// safe for concurrent use; each notification goes to exactly one caller.
type NotificationReceiver struct {
	notifications chan Notification
}

func newNotificationReceiver(capacity int) *NotificationReceiver {
	return &NotificationReceiver{notifications: make(chan Notification, capacity)}
}

// Recv blocks until a notification arrives, ctx is cancelled, or the
// session has shut down.
func (r *NotificationReceiver) Recv(ctx context.Context) (Notification, error) {
	select {
	case n, ok := <-r.notifications:
		if !ok {
			return Notification{}, ErrReceiverClosed
		}
		return n, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func fromSessionNotification(n session.Notification) Notification {
	out := Notification{ReturnCodes: n.ReturnCodes}
	switch n.Kind {
	case session.NotifyPublish:
		out.Kind = NotifyPublish
		out.Publish = Message{
			Topic:     n.Publish.Topic,
			Payload:   n.Publish.Payload,
			QoS:       QoS(n.Publish.QoS),
			Retained:  n.Publish.Retained,
			Duplicate: n.Publish.Duplicate,
		}
	case session.NotifySubAck:
		out.Kind = NotifySubAck
	case session.NotifyUnsubAck:
		out.Kind = NotifyUnsubAck
	}
	return out
}
