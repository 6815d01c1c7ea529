package mqttcore

import "context"

// RequestKind identifies the operation carried by a Request.
type RequestKind int

const (
	RequestPublish RequestKind = iota
	RequestSubscribe
	RequestUnsubscribe
	RequestDisconnect
	RequestReconnect
)

// Request is a unit of work submitted to a running session. Build one
// with the RequestSender methods rather than constructing it directly.
type Request struct {
	Kind    RequestKind
	Publish Message
	Topics  []string
	QoS     []QoS
	Options *Options // set on RequestReconnect to replace the event loop's Options
	done    chan error
}

// RequestSender enqueues work onto a running session's event loop. It is
// safe for concurrent use by multiple goroutines.
type RequestSender struct {
	requests chan Request
}

func newRequestSender(capacity int) *RequestSender {
	return &RequestSender{requests: make(chan Request, capacity)}
}

func (s *RequestSender) send(ctx context.Context, req Request) error {
	req.done = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish queues a message for delivery. It blocks until the event loop
// has validated and written the PUBLISH packet (or, for QoS 0/1/2,
// rejected it locally), not until the broker acknowledges it. PUBACK,
// PUBREC and PUBCOMP from the broker are handled inside the session and
// are not delivered as notifications.
func (s *RequestSender) Publish(ctx context.Context, msg Message) error {
	return s.send(ctx, Request{Kind: RequestPublish, Publish: msg})
}

// Subscribe requests a SUBSCRIBE and blocks until the event loop has
// written it to the wire. The resulting SUBACK arrives later as a
// NotifySubAck notification.
func (s *RequestSender) Subscribe(ctx context.Context, topics []string, qos []QoS) error {
	return s.send(ctx, Request{Kind: RequestSubscribe, Topics: topics, QoS: qos})
}

// Unsubscribe requests an UNSUBSCRIBE and blocks until the event loop
// has written it to the wire. The resulting UNSUBACK arrives later as a
// NotifyUnsubAck notification.
func (s *RequestSender) Unsubscribe(ctx context.Context, topics []string) error {
	return s.send(ctx, Request{Kind: RequestUnsubscribe, Topics: topics})
}

// Disconnect requests a graceful session shutdown. The supervisor does
// not reconnect afterward, regardless of the configured ReconnectPolicy.
func (s *RequestSender) Disconnect(ctx context.Context) error {
	return s.send(ctx, Request{Kind: RequestDisconnect})
}

// Reconnect tears down the current session; the supervisor then applies
// the ReconnectPolicy as after any other session end (waiting
// ReconnectDelay before redialing, or stopping under ReconnectNever) and
// replays in-flight work on the next connection of a non-clean session.
// If opts is non-nil, it replaces the event loop's Options
// before redialing, so the new connection uses the updated broker
// address, credentials, or other settings; pass nil to reconnect with
// the options already in effect.
func (s *RequestSender) Reconnect(ctx context.Context, opts *Options) error {
	return s.send(ctx, Request{Kind: RequestReconnect, Options: opts})
}
