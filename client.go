package unison

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Client is a Unison endpoint that dials a single server connection and
// opens named channels over it (spec.md §4.8).
type Client struct {
	conn  *quic.Conn
	codec *Codec
	cfg   Config
	log   zerolog.Logger

	connCtx *ConnectionContext

	idStream   channelStream
	idStreamMu sync.Mutex
}

// Connect dials addr, completes the QUIC/TLS 1.3 handshake, and reads
// the server-opened identity stream's initial __identity Event before
// returning (spec.md §4.4, §4.8, Testable Property 8: no channel may be
// opened before the client has the server's identity).
func Connect(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (*Client, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	conn, err := DialQUIC(ctx, addr, tlsConf, cfg.Transport)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		codec:   codec,
		cfg:     cfg,
		log:     zerolog.Nop(),
		connCtx: newConnectionContext(),
	}

	if err := c.readIdentity(ctx); err != nil {
		_ = conn.CloseWithError(0, "identity handshake failed")
		return nil, err
	}
	go c.followIdentityUpdates()

	return c, nil
}

// WithLogger installs a structured logger (github.com/rs/zerolog).
func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log
	return c
}

// ConnectionContext exposes the connection's identity and opened-channel
// bookkeeping.
func (c *Client) ConnectionContext() *ConnectionContext { return c.connCtx }

// readIdentity accepts the server's identity stream and decodes its
// first frame. A protocol violation here is fatal to the connection: no
// identity means no channel directory (spec.md §4.8).
func (c *Client) readIdentity(ctx context.Context) error {
	stream, _, err := acceptBidi(ctx, c.conn)
	if err != nil {
		return errors.Wrap(err, "unison: accepting server identity stream")
	}

	tag, payload, err := ReadFrame(stream)
	if err != nil {
		return errors.Wrap(err, "unison: reading server identity frame")
	}
	if tag != FrameProtocol {
		return errors.New("unison: server identity stream did not open with a Protocol frame")
	}

	_, body, err := c.codec.Decode(payload)
	if err != nil {
		return errors.Wrap(err, "unison: decoding server identity packet")
	}
	msg, err := decodeProtocolMessage(body)
	if err != nil {
		return errors.Wrap(err, "unison: decoding server identity message")
	}
	if msg.Method != MethodIdentity || msg.Type != MsgEvent {
		return errors.New("unison: first frame on identity stream was not an __identity Event")
	}

	identity, err := Into[ServerIdentity](msg)
	if err != nil {
		return err
	}

	c.connCtx.setIdentity(&identity)
	c.idStreamMu.Lock()
	c.idStream = stream
	c.idStreamMu.Unlock()
	return nil
}

// followIdentityUpdates reads any follow-up __identity Event frames the
// server sends on the identity stream (spec.md §4.4) and applies them to
// ConnectionContext. A read failure here only ends the follow-up feed;
// it does not tear down the connection, since the initial identity is
// already known by the time this loop runs.
func (c *Client) followIdentityUpdates() {
	c.idStreamMu.Lock()
	stream := c.idStream
	c.idStreamMu.Unlock()
	if stream == nil {
		return
	}

	for {
		tag, payload, err := ReadFrame(stream)
		if err != nil {
			return
		}
		if tag != FrameProtocol {
			continue
		}
		_, body, err := c.codec.Decode(payload)
		if err != nil {
			return
		}
		msg, err := decodeProtocolMessage(body)
		if err != nil {
			return
		}
		if msg.Method != MethodIdentity || msg.Type != MsgEvent {
			continue
		}
		update, err := Into[ChannelUpdate](msg)
		if err != nil {
			c.log.Debug().Err(err).Msg("unison: malformed channel update on identity stream")
			continue
		}
		c.connCtx.applyChannelUpdate(update)
	}
}

// OpenChannel opens a new QUIC bidirectional stream and performs the
// client-initiated channel-open handshake from spec.md §4.5 for the
// named channel.
func (c *Client) OpenChannel(ctx context.Context, name string) (*UnisonChannel, error) {
	stream, streamID, err := openBidi(ctx, c.conn)
	if err != nil {
		return nil, err
	}

	ch, err := openChannelClient(ctx, stream, streamID, name, c.codec, c.cfg.EventQueueSize, c.log)
	if err != nil {
		return nil, err
	}

	c.connCtx.registerChannelHandle(ChannelHandle{ChannelName: name, StreamID: streamID, Direction: DirectionBidirectional})
	return ch, nil
}

// Close closes the underlying QUIC connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}
