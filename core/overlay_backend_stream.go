package core

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GenerateNodeCertificate creates a self-signed TLS certificate for the
// overlay's stream backend. crypto/tls requires an x509 certificate, so
// node-level transport identity is kept separate from the libp2p-wrapped
// IdentityKeyPair used for application-level (user/mail) signing in
// crypto.go: both are valid readings of §3's "RSA keypair whose public-key
// fingerprint is the node identifier", and TLS forces the x509 encoding for
// its half regardless of which crypto library signs it.
func GenerateNodeCertificate() (tls.Certificate, Identifier, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, fmt.Errorf("generate node key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, fmt.Errorf("create node certificate: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, err
	}
	nodeID := H(HashSHA256, pubDER)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, nodeID, nil
}

// nodeIDFromCert recomputes the fingerprint of a peer's leaf certificate
// the same way GenerateNodeCertificate derives a node's own id.
func nodeIDFromCert(cert *x509.Certificate) (Identifier, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return ZeroIdentifier, fmt.Errorf("marshal peer public key: %w", err)
	}
	return H(HashSHA256, pubDER), nil
}

// EncodeNodeCertificatePEM renders cert as PEM, for the on-disk keys file.
func EncodeNodeCertificatePEM(cert tls.Certificate) []byte {
	var out []byte
	for _, der := range cert.Certificate {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

// StreamLink is the stream-backend implementation of OverlayLink: one TLS
// connection to a neighbor, framed as length-prefixed OverlayMessage
// frames. Grounded on core_keep/network.go's per-connection send loop,
// generalized to the overlay's own message framing instead of the
// teacher's blockchain gossip frames.
type StreamLink struct {
	conn     *tls.Conn
	remote   Identifier
	writeMu  sync.Mutex
	closeOnce sync.Once
}

// NewStreamLink wraps an already-handshaked TLS connection, deriving the
// remote node id from its peer certificate.
func NewStreamLink(conn *tls.Conn) (*StreamLink, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("stream link: no peer certificate")
	}
	remote, err := nodeIDFromCert(state.PeerCertificates[0])
	if err != nil {
		return nil, err
	}
	return &StreamLink{conn: conn, remote: remote}, nil
}

func (l *StreamLink) RemoteNode() Identifier { return l.remote }

// Send writes one length-prefixed OverlayMessage frame.
func (l *StreamLink) Send(msg *OverlayMessage) error {
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(encoded)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.conn.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("stream link write: %w", err)
	}
	if _, err := l.conn.Write(encoded); err != nil {
		return fmt.Errorf("stream link write: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame's raw bytes, blocking until a
// frame arrives. Errors here are I/O-level (closed connection, short read,
// oversized frame) and mean the stream can no longer be resynchronized, so
// the caller must stop reading and close the link.
func (l *StreamLink) readFrame() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(l.conn, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > 1<<20 {
		return nil, fmt.Errorf("%w: frame too large (%d bytes)", ErrInvalidRecord, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Receive reads the next frame and decodes it, blocking until one arrives.
func (l *StreamLink) Receive() (*OverlayMessage, error) {
	buf, err := l.readFrame()
	if err != nil {
		return nil, err
	}
	return DecodeOverlayMessage(buf)
}

// RunReceiveLoop reads frames off the link until the connection closes or a
// framing-level error occurs, routing each decoded message through the
// overlay's forwarding (routable messages, §4.4) or link-local dispatch
// (ping/pong, dummy). A frame that fails to decode is a protocol violation
// (§7.2): it is logged and dropped, not treated as fatal, since the length
// prefix already resynchronizes the stream at the next frame boundary. The
// link unregisters itself from overlay and closes when the loop exits.
func (l *StreamLink) RunReceiveLoop(overlay *OverlayNode, log *logrus.Logger) {
	for {
		buf, err := l.readFrame()
		if err != nil {
			break
		}
		msg, err := DecodeOverlayMessage(buf)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("remote", l.remote).Warn("dropping malformed overlay frame")
			}
			continue
		}
		if msg.Type.Routable() && msg.HasDest {
			_ = overlay.Send(msg, l.remote)
		} else {
			overlay.HandleLinkLocal(l, msg)
		}
	}
	overlay.UnregisterLink(l.remote, l)
	_ = l.Close()
}

func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}

// StreamListener accepts inbound stream-backend connections, performing the
// TLS handshake and handing each resulting link to onAccept. A connection
// whose first bytes look like an HTTP request line is handed to
// onHTTPTunnel instead (§4.4's sniff-and-demux); HTTP-tunnel framing itself
// is an out-of-scope external collaborator (§1), so onHTTPTunnel is a thin
// seam rather than a full implementation.
type StreamListener struct {
	ln          net.Listener
	tlsConfig   *tls.Config
	onAccept    func(*StreamLink)
	onHTTPTunnel func(net.Conn, []byte)
}

// ListenStream opens a TLS listener on addr.
func ListenStream(addr string, tlsConfig *tls.Config, onAccept func(*StreamLink), onHTTPTunnel func(net.Conn, []byte)) (*StreamListener, error) {
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen stream: %w", err)
	}
	return &StreamListener{ln: raw, tlsConfig: tlsConfig, onAccept: onAccept, onHTTPTunnel: onHTTPTunnel}, nil
}

func (sl *StreamListener) Addr() net.Addr { return sl.ln.Addr() }
func (sl *StreamListener) Close() error   { return sl.ln.Close() }

// Serve runs the accept loop until the listener is closed or ctx is done.
func (sl *StreamListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = sl.ln.Close()
	}()
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go sl.handle(conn)
	}
}

func (sl *StreamListener) handle(conn net.Conn) {
	peek := make([]byte, 4)
	n, err := io.ReadFull(conn, peek)
	if err != nil {
		_ = conn.Close()
		return
	}
	if looksLikeHTTPRequestLine(peek[:n]) {
		if sl.onHTTPTunnel != nil {
			sl.onHTTPTunnel(conn, peek[:n])
			return
		}
		_ = conn.Close()
		return
	}

	tlsConn := tls.Server(&prefixedConn{Conn: conn, prefix: peek[:n]}, sl.tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		_ = tlsConn.Close()
		return
	}
	link, err := NewStreamLink(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return
	}
	if sl.onAccept != nil {
		sl.onAccept(link)
	}
}

// looksLikeHTTPRequestLine reports whether the connection's first bytes
// match an HTTP method, the sniff §4.4 describes for routing a socket to
// the HTTP-tunnel demultiplexer instead of the TLS handshake.
func looksLikeHTTPRequestLine(prefix []byte) bool {
	for _, method := range [][]byte{[]byte("GET "), []byte("POST"), []byte("HEAD"), []byte("PUT ")} {
		if len(prefix) >= len(method) && string(prefix[:len(method)]) == string(method) {
			return true
		}
	}
	return false
}

// prefixedConn replays already-consumed bytes ahead of further reads from
// the wrapped connection, needed because the listener must peek at the
// first bytes before deciding whether to hand the socket to TLS.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// DialStream opens a new stream-backend connection to addr via pool,
// performing the handshake and wrapping the result as a StreamLink.
func DialStream(ctx context.Context, pool *OverlayConnPool, addr string) (*StreamLink, error) {
	conn, err := pool.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn)
}
