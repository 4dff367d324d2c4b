package unison

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is a Unison endpoint that accepts many independent QUIC
// connections, each multiplexed into named channels (spec.md §4.7).
type Server struct {
	name, version, namespace string
	metadata                 json.RawMessage

	cfg   Config
	codec *Codec
	log   zerolog.Logger

	registryMu sync.RWMutex
	registry   map[string]*registeredChannel
	listening  atomic.Bool

	broadcaster *connectionBroadcaster

	connsMu sync.Mutex
	conns   map[*ConnectionContext]liveConn
}

// liveConn is what the server tracks per live connection: the cancel
// func that unwinds its accept-bi loop cooperatively, and the
// underlying *quic.Conn so a deadline-exceeded Shutdown can force it
// closed if cancellation alone didn't finish the connection in time.
type liveConn struct {
	cancel context.CancelFunc
	conn   *quic.Conn
}

// NewServer constructs a Server advertising the given identity fields.
// Channels must be registered via RegisterChannel before Listen or
// SpawnListen is called.
func NewServer(name, version, namespace string, metadata interface{}, cfg Config) (*Server, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	meta, err := MarshalPayload(metadata)
	if err != nil {
		return nil, err
	}
	return &Server{
		name:        name,
		version:     version,
		namespace:   namespace,
		metadata:    meta,
		cfg:         cfg,
		codec:       codec,
		log:         zerolog.Nop(),
		registry:    make(map[string]*registeredChannel),
		broadcaster: newConnectionBroadcaster(),
		conns:       make(map[*ConnectionContext]liveConn),
	}, nil
}

// WithLogger installs a structured logger (github.com/rs/zerolog); the
// default is a no-op logger, matching spec.md's framing of logging
// setup as a host concern.
func (s *Server) WithLogger(log zerolog.Logger) *Server {
	s.log = log
	return s
}

// RegisterChannel registers handler for channel name with the given
// advertised direction and lifetime. Registration is only permitted
// before Listen/SpawnListen; calling it afterward is a programmer error
// and returns ErrAlreadyListening.
func (s *Server) RegisterChannel(name string, direction ChannelDirection, lifetime ChannelLifetime, handler ChannelHandlerFunc) error {
	if s.listening.Load() {
		return ErrAlreadyListening
	}
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	if _, exists := s.registry[name]; exists {
		return ErrDuplicateChannel
	}
	s.registry[name] = &registeredChannel{
		info:    ChannelInfo{Name: name, Direction: direction, Lifetime: lifetime, Status: StatusAvailable},
		handler: handler,
	}
	return nil
}

// SetChannelStatus updates a registered channel's advertised status and
// broadcasts a StatusChanged identity update to every live connection's
// identity stream.
func (s *Server) SetChannelStatus(name string, status ChannelStatus) {
	s.registryMu.Lock()
	entry, ok := s.registry[name]
	if ok {
		entry.info.Status = status
	}
	s.registryMu.Unlock()
}

func (s *Server) identitySnapshot() ServerIdentity {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	channels := make([]ChannelInfo, 0, len(s.registry))
	for _, entry := range s.registry {
		channels = append(channels, entry.info)
	}
	return ServerIdentity{
		Name:      s.name,
		Version:   s.version,
		Namespace: s.namespace,
		Channels:  channels,
		Metadata:  s.metadata,
	}
}

func (s *Server) registrySnapshot() map[string]registeredChannel {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	out := make(map[string]registeredChannel, len(s.registry))
	for k, v := range s.registry {
		out[k] = *v
	}
	return out
}

// ServerHandle is returned by SpawnListen; it exposes the non-blocking
// server lifecycle controls from spec.md §4.7.
type ServerHandle struct {
	server    *Server
	listener  *quic.Listener
	group     *errgroup.Group
	groupDone chan struct{}
	finished  atomic.Bool
	err       atomic.Value
}

// LocalAddr returns the address the server is bound to.
func (h *ServerHandle) LocalAddr() net.Addr { return h.listener.Addr() }

// IsFinished reports whether the accept loop and all connection tasks
// have exited.
func (h *ServerHandle) IsFinished() bool { return h.finished.Load() }

// Shutdown stops the accept loop, signals every live connection to
// finish, and waits up to the server's configured ShutdownDeadline
// (default 5s, spec.md §4.7) before aborting stragglers.
func (h *ServerHandle) Shutdown(ctx context.Context) error {
	h.server.shutdownConnections()
	_ = h.listener.Close()

	deadline := h.server.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = DefaultShutdownDeadline
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-h.groupDone:
		h.finished.Store(true)
		if v := h.err.Load(); v != nil {
			return v.(error)
		}
		return nil
	case <-timer.C:
		h.server.abortStragglers()
		h.finished.Store(true)
		return fmt.Errorf("unison: shutdown deadline of %s exceeded, connections aborted", deadline)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen blocks, accepting connections on addr until the listener is
// closed (spec.md §4.7, blocking variant).
func (s *Server) Listen(addr string) error {
	handle, err := s.SpawnListen(addr)
	if err != nil {
		return err
	}
	<-handle.groupDone
	if v := handle.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// SpawnListen binds addr and begins accepting connections in the
// background, returning immediately with a ServerHandle.
func (s *Server) SpawnListen(addr string) (*ServerHandle, error) {
	s.listening.Store(true)

	bindAddr, err := resolveBindAddr(addr)
	if err != nil {
		return nil, err
	}

	tlsConf, err := s.cfg.TLS.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "unison: resolving server TLS identity")
	}

	ln, err := ListenQUIC(bindAddr, tlsConf, s.cfg.Transport)
	if err != nil {
		return nil, err
	}

	group, ctx := errgroup.WithContext(context.Background())
	handle := &ServerHandle{server: s, listener: ln, group: group, groupDone: make(chan struct{})}

	group.Go(func() error {
		return s.acceptLoop(ctx, ln, group)
	})

	go func() {
		err := group.Wait()
		if err != nil {
			handle.err.Store(err)
		}
		close(handle.groupDone)
	}()

	return handle, nil
}

// acceptLoop is the server's accept-loop task: one per server, per
// spec.md §5 "one task per: accept loop, per connection, per spawned
// channel handler, per channel recv loop".
func (s *Server) acceptLoop(ctx context.Context, ln *quic.Listener, group *errgroup.Group) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		group.Go(func() error {
			s.handleConnection(ctx, conn)
			return nil
		})
	}
}

// handleConnection implements the per-connection flow from spec.md
// §4.7: build context, advertise identity, loop accept_bi, dispatch.
func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	connCtx := newConnectionContext()
	connCtx.setIdentity(s.ptrIdentity())

	ctx, cancel := context.WithCancel(ctx)
	s.connsMu.Lock()
	s.conns[connCtx] = liveConn{cancel: cancel, conn: conn}
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connCtx)
		s.connsMu.Unlock()
		cancel()
	}()

	s.broadcaster.publish(ConnectionEvent{Kind: ConnectionConnected, RemoteAddr: remoteAddr(conn), Context: connCtx})
	defer s.broadcaster.publish(ConnectionEvent{Kind: ConnectionDisconnected, RemoteAddr: remoteAddr(conn)})

	if err := s.advertiseIdentity(ctx, conn); err != nil {
		s.log.Debug().Err(err).Str("remote", remoteAddr(conn)).Msg("unison: failed to advertise identity, dropping connection")
		_ = conn.CloseWithError(0, "identity advertisement failed")
		return
	}

	registry := s.registrySnapshot()

	group, gctx := errgroup.WithContext(ctx)
	for {
		stream, streamID, err := acceptBidi(gctx, conn)
		if err != nil {
			break
		}
		group.Go(func() error {
			s.dispatchChannel(gctx, connCtx, stream, streamID, registry)
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Server) ptrIdentity() *ServerIdentity {
	id := s.identitySnapshot()
	return &id
}

// advertiseIdentity opens a fresh bidirectional stream and sends the
// server's ServerIdentity as a single __identity Event (spec.md §4.4).
// The stream's send half is kept open (rather than finished
// immediately) so later SetChannelStatus/RegisterChannel-driven
// ChannelUpdate events can still be delivered — see DESIGN.md for why
// this implementation resolves that ambiguity in favor of keeping the
// identity stream live for the lifetime of the connection.
func (s *Server) advertiseIdentity(ctx context.Context, conn *quic.Conn) error {
	stream, streamID, err := openBidi(ctx, conn)
	if err != nil {
		return err
	}

	identity := s.identitySnapshot()
	payload, err := MarshalPayload(identity)
	if err != nil {
		return err
	}
	body, err := encodeProtocolMessage(newEvent(MethodIdentity, payload))
	if err != nil {
		return err
	}
	packet, err := s.codec.Encode(PacketFields{Type: PacketHandshake, StreamID: streamID, MessageID: 0}, body)
	if err != nil {
		return err
	}
	return WriteFrame(stream, FrameProtocol, packet)
}

// dispatchChannel implements spec.md §4.5 steps 3-4 on the server side.
func (s *Server) dispatchChannel(ctx context.Context, connCtx *ConnectionContext, stream channelStream, streamID uint64, registry map[string]registeredChannel) {
	ch, entry, err := dispatchServerChannel(ctx, stream, streamID, s.codec, registry, s.cfg.EventQueueSize, s.log)
	if err != nil {
		s.log.Debug().Err(err).Uint64("stream_id", streamID).Msg("unison: channel open failed")
		return
	}

	connCtx.registerChannelHandle(ChannelHandle{ChannelName: ch.Name(), StreamID: streamID, Direction: entry.info.Direction})
	defer connCtx.removeChannelHandle(ch.Name())
	defer ch.Close()

	entry.handler(ctx, connCtx, ch)
}

// SubscribeConnectionEvents returns a stream of ConnectionEvent values.
// Late subscribers miss events published before they subscribed
// (spec.md §4.7).
func (s *Server) SubscribeConnectionEvents() (<-chan ConnectionEvent, func()) {
	return s.broadcaster.subscribe()
}

// shutdownConnections cancels every live connection's context, which
// unwinds its accept-bi loop and, transitively, every channel's recv
// loop once the underlying stream observes closure.
func (s *Server) shutdownConnections() {
	s.connsMu.Lock()
	conns := make([]liveConn, 0, len(s.conns))
	for _, lc := range s.conns {
		conns = append(conns, lc)
	}
	s.connsMu.Unlock()
	for _, lc := range conns {
		lc.cancel()
	}
	s.broadcaster.closeAll()
}

// abortStragglers force-closes every connection still present in
// s.conns, for use once a Shutdown deadline has elapsed and
// cancellation alone has not been enough to unwind a connection's
// tasks (spec.md §4.7: "on deadline, remaining tasks are aborted").
func (s *Server) abortStragglers() {
	s.connsMu.Lock()
	stragglers := make([]liveConn, 0, len(s.conns))
	for _, lc := range s.conns {
		stragglers = append(stragglers, lc)
	}
	s.connsMu.Unlock()
	for _, lc := range stragglers {
		_ = lc.conn.CloseWithError(0, "shutdown deadline exceeded")
	}
}
