// Package transport dials the network connection a session runs its
// wire protocol over: plain TCP, TLS, and an optional HTTP CONNECT
// tunnel in front of either.
package transport

import (
	"bufio"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Method selects the base connection type, independent of any proxy
// tunnel placed in front of it.
type Method int

const (
	Tcp Method = iota
	Tls
)

// ProxyConfig describes an HTTP CONNECT proxy the dial must tunnel
// through before the MQTT handshake begins.
type ProxyConfig struct {
	Host       string
	Port       int
	SigningKey *rsa.PrivateKey // nil disables the Bearer Proxy-Authorization header
	Audience   string
	JwtExpiry  time.Duration
}

// Config carries everything Dial needs to reach the broker.
type Config struct {
	Host   string
	Port   int
	Method Method
	Tls    *tls.Config
	Proxy  *ProxyConfig
}

// Dial establishes the network connection described by cfg, tunneling
// through an HTTP CONNECT proxy first when cfg.Proxy is set.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	target := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	var d net.Dialer
	if cfg.Proxy != nil {
		conn, err := dialThroughProxy(ctx, &d, cfg.Proxy, target)
		if err != nil {
			return nil, err
		}
		if cfg.Method == Tls {
			return wrapTls(conn, cfg.Tls, cfg.Host)
		}
		return conn, nil
	}

	switch cfg.Method {
	case Tls:
		tlsDialer := &tls.Dialer{NetDialer: &d, Config: cfg.Tls}
		return tlsDialer.DialContext(ctx, "tcp", target)
	default:
		return d.DialContext(ctx, "tcp", target)
	}
}

func wrapTls(conn net.Conn, cfg *tls.Config, serverName string) (net.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	return tlsConn, nil
}

func dialThroughProxy(ctx context.Context, d *net.Dialer, proxy *ProxyConfig, target string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(proxy.Host, fmt.Sprintf("%d", proxy.Port))
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial proxy: %w", err)
	}

	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Host = target

	if proxy.SigningKey != nil {
		token, err := signProxyToken(proxy)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: sign proxy token: %w", err)
		}
		req.Header.Set("Proxy-Authorization", "Bearer "+token)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read CONNECT response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		conn.Close()
		return nil, fmt.Errorf("transport: proxy CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

func signProxyToken(proxy *ProxyConfig) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Audience:  []string{proxy.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(proxy.JwtExpiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(proxy.SigningKey)
}

// GcloudIotPassword builds the JWT MQTT password Google Cloud IoT Core
// expects in CONNECT, signed with the device's registered private key.
func GcloudIotPassword(project string, key *rsa.PrivateKey, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Audience:  []string{project},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
