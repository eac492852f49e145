// quic.go - QUIC link helpers.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package common provides QUIC helpers shared by the listener and
// connector sides of a link.
package common

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// QuicConn presents a QUIC connection carrying exactly one stream as a
// net.Conn.  The link protocol never opens a second stream, so the pair
// is the whole connection as far as the wire code is concerned.
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// NewQuicConn pairs a connection with a single stream.  Both must be
// non-nil, a QuicConn with either missing cannot do anything useful.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil {
		panic("quic: nil connection")
	}
	if stream == nil {
		panic("quic: nil stream")
	}
	return &QuicConn{Conn: conn, Stream: stream}
}

// Addresses come from the connection, deadlines and I/O from the stream.

func (q *QuicConn) LocalAddr() net.Addr  { return q.Conn.LocalAddr() }
func (q *QuicConn) RemoteAddr() net.Addr { return q.Conn.RemoteAddr() }

func (q *QuicConn) SetDeadline(t time.Time) error      { return q.Stream.SetDeadline(t) }
func (q *QuicConn) SetReadDeadline(t time.Time) error  { return q.Stream.SetReadDeadline(t) }
func (q *QuicConn) SetWriteDeadline(t time.Time) error { return q.Stream.SetWriteDeadline(t) }

func (q *QuicConn) Read(b []byte) (int, error)  { return q.Stream.Read(b) }
func (q *QuicConn) Write(b []byte) (int, error) { return q.Stream.Write(b) }

// Close tears down the stream.  Since the link only ever uses the one
// stream, the peer treats this as the end of the connection.
func (q *QuicConn) Close() error {
	return q.Stream.Close()
}

// QuicListener adapts a quic.Listener to net.Listener.
type QuicListener struct {
	Listener *quic.Listener
}

// Accept waits for the next QUIC connection, then for the single stream
// the peer is expected to open on it, and hands both back as a net.Conn.
func (l *QuicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}

func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

func (l *QuicListener) Close() error {
	return l.Listener.Close()
}

// DialURL dials the peer named by u, using dialFn for the TCP transports
// and QUIC directly for quic://.
func DialURL(u *url.URL, ctx context.Context, dialFn func(ctx context.Context, network, address string) (net.Conn, error)) (net.Conn, error) {
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return dialFn(ctx, u.Scheme, u.Host)
	case "quic":
		// The peer's certificate is throwaway and self signed, link
		// authentication is not the transport's job.
		tlsConf := &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{http3.NextProtoH3},
		}
		conn, err := quic.DialAddr(ctx, u.Host, tlsConf, nil)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "failed to open stream")
			return nil, err
		}
		return NewQuicConn(conn, stream), nil
	default:
		return nil, fmt.Errorf("quic: unsupported scheme '%v'", u.Scheme)
	}
}

// GenerateTLSConfig builds a server TLS config around a fresh self
// signed ed25519 certificate.  Peers never verify it, authentication
// happens at the link layer, the certificate exists only because QUIC
// requires TLS.
func GenerateTLSConfig() *tls.Config {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		panic(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		panic(err)
	}
	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		panic(err)
	}
	// The ALPN token rides in the clear in the TLS hello, so advertise
	// plain h3 instead of a protocol string unique to stillpost.
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{http3.NextProtoH3},
	}
}
