// Package transport adapts the messaging server onto a QUIC endpoint bound
// to a single UDP socket. The endpoint advertises exactly one ALPN
// identifier, chosen by the configured server mode, and routes every
// accepted connection to that mode's dispatcher.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"wsquic/internal/config"
	"wsquic/internal/metrics"
)

// ALPNNative and ALPNHTTP3 are the two protocol identifiers this endpoint
// advertises and routes on.
const (
	ALPNNative = "quic-websocket"
	ALPNHTTP3  = "h3"
)

// QUICConfig mirrors the QUIC transport parameters the original
// implementation pins explicitly.
var QUICConfig = &quic.Config{
	MaxIncomingStreams:    100,
	MaxIncomingUniStreams: 1000,
	MaxIdleTimeout:        300 * time.Second,
	KeepAlivePeriod:       15 * time.Second,
}

// NativeHandler is invoked once per accepted native-mode connection.
type NativeHandler func(ctx context.Context, conn *quic.Conn)

// Endpoint owns the UDP socket for one configured server mode and routes
// every accepted connection to that mode's dispatcher.
type Endpoint struct {
	mode      config.Mode
	transport *quic.Transport
	listener  *quic.Listener
	h3Server  *http3.Server
	nativeFn  NativeHandler
	metrics   *metrics.Metrics
}

// New builds TLS material (loading cfg's cert/key, or a self-signed
// development certificate when absent) advertising the single ALPN
// identifier matching cfg.Mode, and binds the UDP socket at cfg.Addr,
// without yet accepting connections.
func New(cfg *config.ServerConfig, m *metrics.Metrics, h3Handler http3.Server, nativeFn NativeHandler) (*Endpoint, error) {
	mode := config.Mode(cfg.Mode)

	tlsConf, err := buildTLSConfig(cfg, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: building TLS config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", cfg.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: binding %s: %w", cfg.Addr, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(tlsConf, QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: starting QUIC listener: %w", err)
	}

	e := &Endpoint{
		mode:      mode,
		transport: tr,
		listener:  listener,
		nativeFn:  nativeFn,
		metrics:   m,
	}

	if mode == config.ModeHTTP3 {
		h3srv := h3Handler
		h3srv.TLSConfig = tlsConf
		h3srv.QUICConfig = QUICConfig
		e.h3Server = &h3srv
	}

	return e, nil
}

// Serve accepts connections until ctx is canceled, handing each one to the
// configured mode's dispatcher in its own goroutine so a single slow or
// misbehaving peer cannot block acceptance of the next.
func (e *Endpoint) Serve(ctx context.Context) error {
	for {
		conn, err := e.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		go e.dispatch(ctx, conn)
	}
}

func (e *Endpoint) dispatch(ctx context.Context, conn *quic.Conn) {
	if e.mode == config.ModeHTTP3 {
		if err := e.h3Server.ServeQUICConn(conn); err != nil {
			conn.CloseWithError(0, "http3 serve error")
		}
		return
	}
	e.nativeFn(ctx, conn)
}

// Close tears down the listener and underlying UDP socket.
func (e *Endpoint) Close() error {
	if err := e.listener.Close(); err != nil {
		return err
	}
	return e.transport.Close()
}

func buildTLSConfig(cfg *config.ServerConfig, mode config.Mode) (*tls.Config, error) {
	alpn := ALPNHTTP3
	if mode == config.ModeNative {
		alpn = ALPNNative
	}

	tlsConf := &tls.Config{
		NextProtos: []string{alpn},
	}

	if cfg.CertificatesConfigured() {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
		return tlsConf, nil
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generating self-signed certificate: %w", err)
	}
	tlsConf.Certificates = []tls.Certificate{cert}
	return tlsConf, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"wsquic dev"},
			Country:      []string{"US"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
