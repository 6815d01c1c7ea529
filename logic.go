package mqttcore

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/brownfield-io/mqttcore/internal/packets"
	"github.com/brownfield-io/mqttcore/internal/session"
	"github.com/brownfield-io/mqttcore/internal/transport"
)

// eventLoop is the single goroutine that owns a session.State and its
// network connection. Nothing else touches either.
type eventLoop struct {
	opts          *Options
	requests      chan Request
	notifications chan Notification

	everConnected bool
	limiter       *rate.Limiter
}

// run is the reconnection supervisor: it keeps establishing sessions
// until the policy says to stop or ctx is cancelled. A single
// session.State lives for the entire lifetime of this goroutine, so
// QoS 1/2 in-flight bookkeeping and subscriptions survive a reconnect
// for State.ReplayInFlight to resubmit.
func (l *eventLoop) run(ctx context.Context) {
	defer close(l.notifications)

	l.applyRateLimit()

	state := session.New(session.Config{})

	for {
		if ctx.Err() != nil {
			return
		}

		err := l.runSession(ctx, state)
		if errors.Is(err, errSessionDisconnected) {
			return
		}

		l.notify(ctx, Notification{Kind: NotifyDisconnection, Err: err})

		if !l.shouldReconnect() {
			return
		}

		select {
		case <-time.After(l.opts.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (l *eventLoop) applyRateLimit() {
	if l.opts.OutgoingRateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(l.opts.OutgoingRateLimit), 1)
	} else {
		l.limiter = nil
	}
}

func (l *eventLoop) shouldReconnect() bool {
	switch l.opts.Reconnect {
	case ReconnectNever:
		return false
	case ReconnectAfterFirstSuccess:
		return l.everConnected
	default:
		return true
	}
}

// errSessionDisconnected signals that the caller requested a graceful
// Disconnect; the supervisor must not reconnect after it regardless of
// policy.
var errSessionDisconnected = errors.New("mqttcore: disconnect requested")

type wireConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// runSession dials, performs the handshake, and drives one connection's
// worth of protocol traffic until it ends. state is owned by the caller
// (run) and outlives this call: its in-flight bookkeeping and
// subscriptions carry over into the next runSession after a reconnect.
func (l *eventLoop) runSession(ctx context.Context, state *session.State) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	wc, err := l.dial(connectCtx)
	cancel()
	if err != nil {
		return &ConnectError{Kind: ConnectIo, Err: err}
	}
	defer wc.Close()

	sessCfg, err := l.sessionConfig()
	if err != nil {
		return &ConnectError{Kind: ConnectIo, Err: err}
	}
	state.UpdateConfig(sessCfg)
	state.Status = session.StatusDisconnected

	connectPkt, err := state.BuildConnect()
	if err != nil {
		return &ConnectError{Kind: ConnectIo, Err: err}
	}
	if _, err := connectPkt.WriteTo(wc); err != nil {
		return &ConnectError{Kind: ConnectIo, Err: err}
	}

	wc.SetReadDeadline(time.Now().Add(30 * time.Second))
	first, err := packets.ReadPacket(wc, l.opts.MaxPacketSize)
	wc.SetReadDeadline(time.Time{})
	if err != nil {
		return &ConnectError{Kind: ConnectNoResponse, Err: err}
	}
	connack, ok := first.(*packets.ConnackPacket)
	if !ok {
		return &ConnectError{Kind: ConnectNotConnAckPacket}
	}

	if _, _, err := state.HandleIncoming(connack, time.Now()); err != nil {
		return &ConnectError{Kind: ConnectConnAckFailed, ReturnCode: connack.ReturnCode, Err: err}
	}
	l.everConnected = true

	l.notify(ctx, Notification{Kind: NotifyReconnection})

	for _, pkt := range state.ReplayInFlight() {
		if _, err := pkt.WriteTo(wc); err != nil {
			return &NetworkError{Kind: NetworkIo, Err: err}
		}
	}

	return l.sessionLoop(ctx, wc, state)
}

func (l *eventLoop) dial(ctx context.Context) (net.Conn, error) {
	cfg := transport.Config{
		Host:   l.opts.Host,
		Port:   l.opts.Port,
		Method: transport.Method(l.opts.ConnectionMethod),
	}
	if l.opts.ConnectionMethod == Tls {
		if l.opts.Tls.CA != nil {
			cfg.Tls = l.opts.Tls.CA
		} else {
			cfg.Tls = &tls.Config{ServerName: l.opts.Tls.ServerName}
		}
	}
	if l.opts.Proxy == ProxyHttpConnect {
		proxyCfg := &transport.ProxyConfig{
			Host:      l.opts.ProxyConfig.Host,
			Port:      l.opts.ProxyConfig.Port,
			Audience:  "proxy",
			JwtExpiry: l.opts.ProxyConfig.JwtExpiry,
		}
		if key, ok := l.opts.ProxyConfig.SigningKey.(*rsa.PrivateKey); ok {
			proxyCfg.SigningKey = key
		}
		cfg.Proxy = proxyCfg
	}
	return transport.Dial(ctx, cfg)
}

func (l *eventLoop) sessionConfig() (session.Config, error) {
	cfg := session.Config{
		ClientID:     l.opts.ClientID,
		CleanSession: l.opts.CleanSession,
		KeepAlive:    l.opts.KeepAlive,
	}
	switch l.opts.Security {
	case SecurityUsernamePassword:
		cfg.UsernameFlag = true
		cfg.Username = l.opts.Username
		if l.opts.Password != "" {
			cfg.PasswordFlag = true
			cfg.Password = l.opts.Password
		}
	case SecurityGcloudIot:
		key, ok := l.opts.GcloudIot.SigningKey.(*rsa.PrivateKey)
		if !ok {
			return cfg, fmt.Errorf("mqttcore: gcloud iot security requires an *rsa.PrivateKey signing key")
		}
		pw, err := transport.GcloudIotPassword(l.opts.GcloudIot.Project, key, l.opts.GcloudIot.JwtExpiry)
		if err != nil {
			return cfg, fmt.Errorf("mqttcore: sign gcloud iot password: %w", err)
		}
		cfg.UsernameFlag = true
		cfg.Username = "unused"
		cfg.PasswordFlag = true
		cfg.Password = pw
	}
	if l.opts.LastWill != nil {
		cfg.LastWill = &session.LastWill{
			Topic:   l.opts.LastWill.Topic,
			Payload: l.opts.LastWill.Payload,
			QoS:     uint8(l.opts.LastWill.QoS),
			Retain:  l.opts.LastWill.Retain,
		}
	}
	return cfg, nil
}

// sessionLoop drives packets and caller requests across one established
// connection. Everything here runs on this one goroutine except the
// reader, which only ever writes to readCh and errCh.
func (l *eventLoop) sessionLoop(ctx context.Context, conn wireConn, state *session.State) error {
	readCh := make(chan packets.Packet)
	errCh := make(chan error, 1)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			pkt, err := packets.ReadPacket(conn, l.opts.MaxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-groupCtx.Done():
				}
				return err
			}
			select {
			case readCh <- pkt:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})
	defer func() {
		conn.Close()
		group.Wait()
	}()

	ticker := time.NewTicker(l.keepAliveCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			var tooLarge *packets.ErrPacketTooLarge
			if errors.As(err, &tooLarge) {
				return &NetworkError{Kind: NetworkPacketSizeLimitExceeded, Err: err}
			}
			return &NetworkError{Kind: NetworkIo, Err: err}

		case pkt := <-readCh:
			if err := l.handleIncoming(ctx, conn, state, pkt); err != nil {
				return err
			}

		case req := <-l.requests:
			disconnecting := req.Kind == RequestDisconnect
			if err := l.handleRequest(ctx, conn, state, req); err != nil {
				return err
			}
			if disconnecting {
				return errSessionDisconnected
			}

		case now := <-ticker.C:
			if state.KeepAliveExpired(now) {
				return &NetworkError{Kind: NetworkKeepAliveTimeout}
			}
			if state.IsPingRequired(now) {
				ping := state.BuildPingReq(now)
				if _, err := ping.WriteTo(conn); err != nil {
					return &NetworkError{Kind: NetworkIo, Err: err}
				}
			}
		}
	}
}

func (l *eventLoop) keepAliveCheckInterval() time.Duration {
	if l.opts.KeepAlive <= 0 {
		return time.Second
	}
	return l.opts.KeepAlive / 4
}

func (l *eventLoop) handleIncoming(ctx context.Context, conn wireConn, state *session.State, pkt packets.Packet) error {
	notif, reply, err := state.HandleIncoming(pkt, time.Now())
	if err != nil {
		return networkErrorFromState(err)
	}
	if reply != nil {
		if _, err := reply.WriteTo(conn); err != nil {
			return &NetworkError{Kind: NetworkIo, Err: err}
		}
	}
	switch notif.Kind {
	case session.NotifyPublish, session.NotifySubAck, session.NotifyUnsubAck:
		l.notify(ctx, fromSessionNotification(notif))
	}
	return nil
}

// handleRequest applies req against state and, for requests with a
// wire-level effect, writes the resulting packet. Validation failures
// (e.g. an invalid topic) are reported to the caller through req.done
// without tearing down the session; I/O failures, exhausted packet
// identifiers and a caller-initiated Reconnect end the session.
func (l *eventLoop) handleRequest(ctx context.Context, conn wireConn, state *session.State, req Request) error {
	var stateErr error
	var ioErr error

	switch req.Kind {
	case RequestPublish:
		stateErr, ioErr = l.handlePublish(ctx, conn, state, req)

	case RequestSubscribe:
		for _, t := range req.Topics {
			if stateErr = validateTopicFilter(t); stateErr != nil {
				break
			}
		}
		if stateErr == nil {
			qos := make([]uint8, len(req.QoS))
			for i, q := range req.QoS {
				qos[i] = uint8(q)
			}
			var pkt *packets.SubscribePacket
			pkt, stateErr = state.HandleOutgoingSubscribe(req.Topics, qos, time.Now())
			if stateErr == nil {
				_, ioErr = pkt.WriteTo(conn)
			}
		}

	case RequestUnsubscribe:
		for _, t := range req.Topics {
			if stateErr = validateTopicFilter(t); stateErr != nil {
				break
			}
		}
		if stateErr == nil {
			var pkt *packets.UnsubscribePacket
			pkt, stateErr = state.HandleOutgoingUnsubscribe(req.Topics, time.Now())
			if stateErr == nil {
				_, ioErr = pkt.WriteTo(conn)
			}
		}

	case RequestDisconnect:
		pkt := state.HandleOutgoingDisconnect()
		_, ioErr = pkt.WriteTo(conn)

	case RequestReconnect:
		if req.Options != nil {
			l.opts = req.Options
			l.applyRateLimit()
		}
		stateErr = ErrUserReconnect
	}

	if req.done != nil {
		if stateErr != nil {
			req.done <- stateErr
		} else {
			req.done <- ioErr
		}
	}

	if req.Kind == RequestReconnect {
		return &NetworkError{Kind: NetworkUserReconnect, Err: ErrUserReconnect}
	}
	var se *session.StateError
	if errors.As(stateErr, &se) && se.Kind == session.ErrPacketIDsExhausted {
		return networkErrorFromState(stateErr)
	}
	if ioErr != nil {
		return &NetworkError{Kind: NetworkIo, Err: ioErr}
	}
	return nil
}

func (l *eventLoop) handlePublish(ctx context.Context, conn wireConn, state *session.State, req Request) (stateErr, ioErr error) {
	if err := validatePublishTopic(req.Publish.Topic); err != nil {
		return err, nil
	}
	if l.limiter != nil {
		res := l.limiter.Reserve()
		select {
		case <-time.After(res.Delay()):
		case <-ctx.Done():
			res.Cancel()
			return nil, ctx.Err()
		}
	}
	pkt, err := state.HandleOutgoingPublish(req.Publish.Topic, uint8(req.Publish.QoS), req.Publish.Retained, req.Publish.Payload, time.Now())
	if err != nil {
		return err, nil
	}
	if l.opts.OutgoingQueueLimit.Threshold > 0 && state.InFlightCount() >= l.opts.OutgoingQueueLimit.Threshold {
		time.Sleep(l.opts.OutgoingQueueLimit.Delay)
	}
	_, ioErr = pkt.WriteTo(conn)
	return nil, ioErr
}

func networkErrorFromState(err error) error {
	var se *session.StateError
	if !errors.As(err, &se) {
		return &NetworkError{Kind: NetworkInvalidState, Err: err}
	}
	switch se.Kind {
	case session.ErrUnsolicitedAck, session.ErrUnsolicitedPubRel:
		return &NetworkError{Kind: NetworkUnsolicitedAck, PacketID: se.PacketID, Err: se}
	case session.ErrPacketIDsExhausted:
		return &NetworkError{Kind: NetworkPacketIdsExhausted, Err: se}
	default:
		return &NetworkError{Kind: NetworkInvalidState, PacketID: se.PacketID, Err: se}
	}
}

func (l *eventLoop) notify(ctx context.Context, n Notification) {
	select {
	case l.notifications <- n:
	default:
		logger := l.opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("dropping notification, receiver not keeping up", "kind", n.Kind)
	}
}
