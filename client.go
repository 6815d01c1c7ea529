package mqttcore

import "context"

// Start begins a session against the broker described by opts. It
// returns immediately with handles for submitting requests and
// receiving notifications; the session itself, including reconnection,
// runs in a background goroutine until ctx is cancelled.
func Start(ctx context.Context, opts *Options) (*RequestSender, *NotificationReceiver, error) {
	if opts == nil {
		return nil, nil, errOptionsRequired
	}

	sender := newRequestSender(opts.RequestChannelCapacity)
	receiver := newNotificationReceiver(opts.NotificationChannelCapacity)

	l := &eventLoop{
		opts:          opts,
		requests:      sender.requests,
		notifications: receiver.notifications,
	}
	go l.run(ctx)

	return sender, receiver, nil
}
