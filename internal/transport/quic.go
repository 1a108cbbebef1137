package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/gigglesninja/senior-design/internal/util"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "relayd"

// ListenQUIC accepts QUIC connections on addr. The first bidirectional
// stream a client opens carries length-framed envelopes; the connection is
// handed to handle once that stream exists. Blocks until ctx is cancelled.
func ListenQUIC(ctx context.Context, addr string, maxFrame int, ready func(net.Addr), handle func(Conn)) error {
	cert, err := selfSignedCert()
	if err != nil {
		return fmt.Errorf("quic certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}

	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if ready != nil {
		ready(listener.Addr())
	}
	util.LogInfo("quic listener started on %s", listener.Addr())

	for {
		qc, err := listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		go acceptQUICStream(ctx, qc, maxFrame, handle)
	}
}

// acceptQUICStream waits for the client's envelope stream.
func acceptQUICStream(ctx context.Context, qc quic.Connection, maxFrame int, handle func(Conn)) {
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := qc.AcceptStream(actx)
	if err != nil {
		util.LogWarning("quic %s: no stream opened: %v", qc.RemoteAddr(), err)
		qc.CloseWithError(0, "no stream")
		return
	}

	closer := func() error {
		stream.CancelRead(0)
		stream.Close()
		return qc.CloseWithError(0, "")
	}
	handle(newStreamConn(KindQUIC, stream, closer, qc.RemoteAddr(), maxFrame))
}

// selfSignedCert generates an ephemeral certificate for the QUIC listener.
// Clients authenticate at the application layer with LoginMsg.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
