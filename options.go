package mqttcore

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionMethod selects how the transport reaches the broker.
type ConnectionMethod int

const (
	Tcp ConnectionMethod = iota
	Tls
)

// ProxyKind selects whether the connection is tunneled through an
// HTTP CONNECT proxy.
type ProxyKind int

const (
	ProxyNone ProxyKind = iota
	ProxyHttpConnect
)

// SecurityKind selects the credential scheme presented in CONNECT.
type SecurityKind int

const (
	SecurityNone SecurityKind = iota
	SecurityUsernamePassword
	SecurityGcloudIot
)

// ReconnectPolicy selects whether and how the event loop reconnects after
// a session ends.
type ReconnectPolicy int

const (
	ReconnectNever ReconnectPolicy = iota
	ReconnectAfterFirstSuccess
	ReconnectAlways
)

// LastWill is the message the broker publishes if this client disconnects
// unexpectedly.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// QueueLimit paces outgoing publishes once the in-flight count reaches
// Threshold, inserting Delay between subsequent sends.
type QueueLimit struct {
	Threshold int
	Delay     time.Duration
}

// TlsConfig carries the material needed for a TLS connection method.
type TlsConfig struct {
	CA         *tls.Config // trust roots and, if set, client cert/key pair
	ServerName string
}

// ProxyConfig carries HTTP CONNECT proxy parameters.
type ProxyConfig struct {
	Host        string
	Port        int
	SigningKey  any // *rsa.PrivateKey, used to sign the Bearer JWT
	JwtExpiry   time.Duration
}

// GcloudIotConfig carries Google Cloud IoT Core CONNECT password
// parameters.
type GcloudIotConfig struct {
	Project    string
	SigningKey any // *rsa.PrivateKey
	JwtExpiry  time.Duration
}

// Options is the validated configuration snapshot a client is started
// with. Construct it with New; the zero value is not valid.
type Options struct {
	ClientID     string
	Host         string
	Port         int
	KeepAlive    time.Duration
	CleanSession bool

	ConnectionMethod ConnectionMethod
	Tls              TlsConfig

	Proxy       ProxyKind
	ProxyConfig ProxyConfig

	Security   SecurityKind
	Username   string
	Password   string
	GcloudIot  GcloudIotConfig

	Reconnect      ReconnectPolicy
	ReconnectDelay time.Duration

	MaxPacketSize int

	LastWill *LastWill

	RequestChannelCapacity      int
	NotificationChannelCapacity int

	OutgoingRateLimit float64 // messages/second, 0 disables
	OutgoingQueueLimit QueueLimit

	Logger *slog.Logger
}

// Option configures an Options value under construction.
type Option func(*Options)

func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

func WithBroker(host string, port int) Option {
	return func(o *Options) { o.Host = host; o.Port = port }
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.KeepAlive = d }
}

func WithCleanSession(clean bool) Option {
	return func(o *Options) { o.CleanSession = clean }
}

func WithTls(cfg TlsConfig) Option {
	return func(o *Options) { o.ConnectionMethod = Tls; o.Tls = cfg }
}

func WithHttpConnectProxy(cfg ProxyConfig) Option {
	return func(o *Options) { o.Proxy = ProxyHttpConnect; o.ProxyConfig = cfg }
}

func WithUsernamePassword(username, password string) Option {
	return func(o *Options) {
		o.Security = SecurityUsernamePassword
		o.Username = username
		o.Password = password
	}
}

func WithGcloudIot(cfg GcloudIotConfig) Option {
	return func(o *Options) { o.Security = SecurityGcloudIot; o.GcloudIot = cfg }
}

func WithReconnect(policy ReconnectPolicy, delay time.Duration) Option {
	return func(o *Options) { o.Reconnect = policy; o.ReconnectDelay = delay }
}

func WithMaxPacketSize(size int) Option {
	return func(o *Options) { o.MaxPacketSize = size }
}

func WithLastWill(will LastWill) Option {
	return func(o *Options) { o.LastWill = &will }
}

func WithChannelCapacities(requestCap, notificationCap int) Option {
	return func(o *Options) { o.RequestChannelCapacity = requestCap; o.NotificationChannelCapacity = notificationCap }
}

func WithOutgoingRateLimit(messagesPerSecond float64) Option {
	return func(o *Options) { o.OutgoingRateLimit = messagesPerSecond }
}

func WithOutgoingQueueLimit(threshold int, delay time.Duration) Option {
	return func(o *Options) { o.OutgoingQueueLimit = QueueLimit{Threshold: threshold, Delay: delay} }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// New builds a validated Options snapshot. Defaults are applied before
// validation, matching the MqttOptions contract: keep_alive >= 10s,
// max_packet_size > 0, non-empty client_id (auto-assigned for a clean
// session when left blank), outgoing_ratelimit != 0, and
// outgoing_queuelimit.threshold != 0.
func New(opts ...Option) (*Options, error) {
	o := &Options{
		KeepAlive:                   30 * time.Second,
		CleanSession:                true,
		Reconnect:                   ReconnectAlways,
		ReconnectDelay:              time.Second,
		MaxPacketSize:               256 * 1024,
		RequestChannelCapacity:      10,
		NotificationChannelCapacity: 10,
		OutgoingRateLimit:           -1, // sentinel: "unset", distinct from the forbidden 0
		OutgoingQueueLimit:          QueueLimit{Threshold: -1},
		Logger:                      discardLogger(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.ClientID == "" {
		if !o.CleanSession {
			return nil, fmt.Errorf("mqttcore: client_id must be set for a non-clean session")
		}
		o.ClientID = "mqttcore-" + uuid.NewString()
	}
	if strings.HasPrefix(o.ClientID, " ") {
		return nil, fmt.Errorf("mqttcore: client_id must not begin with whitespace")
	}
	if o.Host == "" {
		return nil, fmt.Errorf("mqttcore: broker host must be set")
	}
	if o.KeepAlive < 10*time.Second {
		return nil, fmt.Errorf("mqttcore: keep_alive must be at least 10s, got %s", o.KeepAlive)
	}
	if o.MaxPacketSize <= 0 {
		return nil, fmt.Errorf("mqttcore: max_packet_size must be > 0")
	}
	if o.OutgoingRateLimit == 0 {
		return nil, fmt.Errorf("mqttcore: outgoing_ratelimit must not be 0; omit the option to disable limiting")
	}
	if o.OutgoingQueueLimit.Threshold == 0 {
		return nil, fmt.Errorf("mqttcore: outgoing_queuelimit.threshold must not be 0; omit the option to disable the limit")
	}

	return o, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
