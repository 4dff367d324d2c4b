package unison

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// quicStream adapts *quic.Stream to the channelStream interface used by
// UnisonChannel, translating our uint64 error-code convention into
// quic-go's StreamErrorCode.
type quicStream struct {
	*quic.Stream
}

func (s quicStream) CancelRead(code uint64)  { s.Stream.CancelRead(quic.StreamErrorCode(code)) }
func (s quicStream) CancelWrite(code uint64) { s.Stream.CancelWrite(quic.StreamErrorCode(code)) }

// buildQUICConfig translates a TransportConfig into quic-go's Config.
// quic-go estimates initial RTT from the handshake itself and does not
// expose a settable initial-RTT knob; InitialRTT is carried in
// TransportConfig only as the expected value named in spec.md §4.3, for
// callers that want to assert on it in tests.
func buildQUICConfig(cfg TransportConfig) *quic.Config {
	maxStreams := cfg.MaxBidiStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxBidiStreams
	}
	return &quic.Config{
		MaxIdleTimeout:        cfg.MaxIdleTimeout,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: maxStreams,
	}
}

// DialQUIC establishes a QUIC/TLS 1.3 connection to addr (spec.md §4.3
// client contract). tlsConf should set InsecureSkipVerify only for
// development — production deployments must supply a real verifier.
// cfg.InsecureSkipVerify offers the same toggle through TransportConfig
// for callers that configure transport and TLS separately; it is
// applied to a clone of tlsConf so the caller's original Config is
// never mutated.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, cfg TransportConfig) (*quic.Conn, error) {
	if cfg.InsecureSkipVerify && tlsConf != nil && !tlsConf.InsecureSkipVerify {
		tlsConf = tlsConf.Clone()
		tlsConf.InsecureSkipVerify = true
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, buildQUICConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "unison: dialing %s", addr)
	}
	return conn, nil
}

// ListenQUIC binds a QUIC listener on addr. Per spec.md §4.3, the server
// binds IPv6 ([::]:port); IPv4 is not required by the core.
func ListenQUIC(addr string, tlsConf *tls.Config, cfg TransportConfig) (*quic.Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, buildQUICConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "unison: binding %s", addr)
	}
	return ln, nil
}

// openBidi opens a new bidirectional stream on conn and wraps it for use
// by UnisonChannel.
func openBidi(ctx context.Context, conn *quic.Conn) (channelStream, uint64, error) {
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, 0, err
	}
	return quicStream{str}, uint64(str.StreamID()), nil
}

// acceptBidi accepts the next bidirectional stream opened by the peer.
func acceptBidi(ctx context.Context, conn *quic.Conn) (channelStream, uint64, error) {
	str, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, 0, err
	}
	return quicStream{str}, uint64(str.StreamID()), nil
}

// remoteAddr formats conn's remote address for logging.
func remoteAddr(conn *quic.Conn) string {
	if conn == nil {
		return "<nil>"
	}
	a := conn.RemoteAddr()
	if a == nil {
		return "<unknown>"
	}
	return a.String()
}

// resolveBindAddr defaults to an IPv6 wildcard bind per spec.md §4.3.
func resolveBindAddr(addr string) (string, error) {
	if addr == "" {
		return "[::]:0", nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("unison: invalid bind address %q: %w", addr, err)
	}
	if host == "" {
		host = "::"
	}
	return net.JoinHostPort(host, port), nil
}
