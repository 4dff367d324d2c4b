package unison

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// channelStream is the minimal surface a UnisonChannel needs from its
// underlying QUIC bidirectional stream. quic.Stream satisfies it
// directly; tests substitute an in-process pipe-backed implementation.
type channelStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CancelRead(code uint64)
	CancelWrite(code uint64)
}

// pendingResult is delivered to a request() caller's single-shot slot.
type pendingResult struct {
	payload json.RawMessage
	err     error
}

// UnisonChannel is the per-channel state machine described in spec.md
// §4.6: it wraps one QUIC bidirectional stream and presents
// request/response correlation, event push, and a raw-bytes fast path.
type UnisonChannel struct {
	name     string
	streamID uint64
	stream   channelStream
	codec    *Codec
	log      zerolog.Logger

	sendMu sync.Mutex // guards all writes to stream; at most one in flight
	seq    atomic.Uint64

	nextReqID atomic.Uint64 // monotonic per channel, starts at 1, skips 0

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	events chan *ProtocolMessage
	raw    chan []byte

	stopCh   chan struct{} // closed by Close to unblock a backpressured loop
	doneCh   chan struct{} // closed once the recv loop has fully exited
	closed   atomic.Bool
	closeErr atomic.Value // error
}

// newUnisonChannel constructs a channel over stream and starts its recv
// loop. eventQueueSize bounds both the event queue and the raw queue
// (spec.md names only the event queue's bound; the raw queue adopts the
// same bound as a deliberate, documented symmetry — see DESIGN.md).
func newUnisonChannel(name string, streamID uint64, stream channelStream, codec *Codec, eventQueueSize int, log zerolog.Logger) *UnisonChannel {
	if eventQueueSize <= 0 {
		eventQueueSize = DefaultEventQueueSize
	}
	ch := &UnisonChannel{
		name:     name,
		streamID: streamID,
		stream:   stream,
		codec:    codec,
		log:      log.With().Str("channel", name).Uint64("stream_id", streamID).Logger(),
		pending:  make(map[uint64]chan pendingResult),
		events:   make(chan *ProtocolMessage, eventQueueSize),
		raw:      make(chan []byte, eventQueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go ch.recvLoop()
	return ch
}

// Name returns the channel's name.
func (ch *UnisonChannel) Name() string { return ch.name }

func (ch *UnisonChannel) nextSeq() uint64 { return ch.seq.Add(1) }

// nextID returns the next monotonic per-channel message id, skipping 0
// (reserved for Events). Wraparound back to 0 is a fatal protocol error
// per spec.md §4.6, practically unreachable with u64.
func (ch *UnisonChannel) nextID() (uint64, error) {
	id := ch.nextReqID.Add(1)
	if id == 0 {
		return 0, errFatalIDWraparound
	}
	return id, nil
}

// writeMessage frames and writes one ProtocolMessage, serializing
// against concurrent writers (spec.md §4.6 concurrency rules).
func (ch *UnisonChannel) writeMessage(msg *ProtocolMessage, responseTo uint64) error {
	body, err := encodeProtocolMessage(msg)
	if err != nil {
		return err
	}
	packet, err := ch.codec.Encode(PacketFields{
		Type:           PacketData,
		SequenceNumber: ch.nextSeq(),
		StreamID:       ch.streamID,
		MessageID:      msg.ID,
		ResponseTo:     responseTo,
	}, body)
	if err != nil {
		return err
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	return WriteFrame(ch.stream, FrameProtocol, packet)
}

// Request allocates a fresh monotonic id, registers a single-shot slot,
// sends a Request frame, and awaits the matching Response/Error. It
// fails with ErrConnectionClosed if the recv loop terminates first, with
// a *RemoteError if the peer answers with an Error, and with ctx.Err()
// if ctx is cancelled first — cancellation unregisters the slot so a
// later, stray Response for the same id is discarded silently.
func (ch *UnisonChannel) Request(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	if ch.closed.Load() {
		return nil, ErrConnectionClosed
	}

	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id, err := ch.nextID()
	if err != nil {
		return nil, err
	}

	slot := make(chan pendingResult, 1)
	ch.pendingMu.Lock()
	ch.pending[id] = slot
	ch.pendingMu.Unlock()

	cancel := func() {
		ch.pendingMu.Lock()
		delete(ch.pending, id)
		ch.pendingMu.Unlock()
	}

	if err := ch.writeMessage(newRequest(id, method, raw), 0); err != nil {
		cancel()
		return nil, err
	}

	select {
	case res := <-slot:
		return res.payload, res.err
	case <-ch.doneCh:
		cancel()
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// SendResponse sends a Response frame answering requestID, typically
// called by a server-side channel handler after consuming a Request via
// Recv.
func (ch *UnisonChannel) SendResponse(requestID uint64, method string, payload interface{}) error {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return err
	}
	id, err := ch.nextID()
	if err != nil {
		return err
	}
	return ch.writeMessage(newResponse(id, method, raw), requestID)
}

// SendErrorResponse sends an Error frame answering requestID with code
// and message.
func (ch *UnisonChannel) SendErrorResponse(requestID uint64, code WireErrorCode, message string) error {
	raw, err := MarshalPayload(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	id, err := ch.nextID()
	if err != nil {
		return err
	}
	return ch.writeMessage(newErrorMessage(id, "", raw), requestID)
}

// SendEvent sends an unsolicited Event frame; it never expects a reply.
func (ch *UnisonChannel) SendEvent(method string, payload interface{}) error {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return err
	}
	return ch.writeMessage(newEvent(method, raw), 0)
}

// Recv pops the next Event or unsolicited Request from the event queue.
// It blocks until one is enqueued, ctx is done, or the channel closes
// (returning ErrConnectionClosed once any already-queued messages have
// been drained).
func (ch *UnisonChannel) Recv(ctx context.Context) (*ProtocolMessage, error) {
	select {
	case msg := <-ch.events:
		return msg, nil
	default:
	}

	select {
	case msg := <-ch.events:
		return msg, nil
	case <-ch.doneCh:
		select {
		case msg := <-ch.events:
			return msg, nil
		default:
			return nil, ch.closeReason()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRaw writes one Raw-tagged frame carrying data verbatim: no packet
// header, no compression, no JSON.
func (ch *UnisonChannel) SendRaw(data []byte) error {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	return WriteFrame(ch.stream, FrameRaw, data)
}

// RecvRaw returns the next Raw frame observed by the recv loop, in
// arrival order, bypassing the pending/event machinery entirely.
func (ch *UnisonChannel) RecvRaw(ctx context.Context) ([]byte, error) {
	select {
	case data := <-ch.raw:
		return data, nil
	default:
	}

	select {
	case data := <-ch.raw:
		return data, nil
	case <-ch.doneCh:
		select {
		case data := <-ch.raw:
			return data, nil
		default:
			return nil, ch.closeReason()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the channel down: it stops the recv loop (cancelling a
// backpressured event-queue send if one is in flight), finishes the
// stream's send half, and waits for every pending request to be failed.
func (ch *UnisonChannel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		<-ch.doneCh
		return nil
	}
	ch.closeErr.Store(ErrConnectionClosed)
	close(ch.stopCh)
	ch.stream.CancelRead(uint64(CodeClosedErrorCode))
	_ = ch.stream.Close()
	<-ch.doneCh
	return nil
}

// CodeClosedErrorCode is the QUIC application error code used when a
// channel cancels its own read side on close.
const CodeClosedErrorCode = 0x0

func (ch *UnisonChannel) closeReason() error {
	if v := ch.closeErr.Load(); v != nil {
		return v.(error)
	}
	return ErrConnectionClosed
}

// recvLoop is the per-channel background task (spec.md §4.6): it reads
// frames until EOF, a framing error, or explicit Close, routing each to
// the pending map or the event/raw queues, then drains pending and
// queues on exit so every awaiter observes ErrConnectionClosed exactly
// once.
func (ch *UnisonChannel) recvLoop() {
	defer ch.shutdown()

	for {
		tag, payload, err := ReadFrame(ch.stream)
		if err != nil {
			return
		}

		switch tag {
		case FrameRaw:
			if !ch.enqueueRaw(append([]byte(nil), payload...)) {
				return
			}
		case FrameProtocol:
			header, body, err := ch.codec.Decode(payload)
			if err != nil {
				ch.log.Debug().Err(err).Msg("unison: protocol frame decode failed, resetting stream")
				return
			}
			msg, err := decodeProtocolMessage(body)
			if err != nil {
				ch.log.Debug().Err(err).Msg("unison: malformed ProtocolMessage, resetting stream")
				return
			}
			if !ch.route(header, msg) {
				return
			}
		}
	}
}

// route dispatches one decoded ProtocolMessage per the table in spec.md
// §4.6. It returns false if the channel should stop (backpressure
// cancelled by Close).
func (ch *UnisonChannel) route(header *PacketHeader, msg *ProtocolMessage) bool {
	switch msg.Type {
	case MsgResponse:
		if slot, ok := ch.takePending(header.ResponseTo); ok {
			slot <- pendingResult{payload: msg.Payload}
		} else {
			ch.log.Debug().Uint64("response_to", header.ResponseTo).Msg("unison: discarding unmatched Response")
		}
		return true

	case MsgError:
		if header.ResponseTo > 0 {
			if slot, ok := ch.takePending(header.ResponseTo); ok {
				slot <- pendingResult{err: remoteErrorFromPayload(msg.Payload)}
				return true
			}
		}
		// Unsolicited Error (response_to == 0) or one with no matching
		// pending slot: routed as an Event (spec.md Open Question 1).
		return ch.enqueueEvent(msg)

	case MsgEvent, MsgRequest:
		return ch.enqueueEvent(msg)

	default:
		return true
	}
}

func (ch *UnisonChannel) takePending(id uint64) (chan pendingResult, bool) {
	ch.pendingMu.Lock()
	defer ch.pendingMu.Unlock()
	slot, ok := ch.pending[id]
	if ok {
		delete(ch.pending, id)
	}
	return slot, ok
}

// enqueueEvent performs the bounded, blocking send that is the
// channel-level backpressure signal (spec.md §4.6, §5): when full, this
// call — and therefore the whole recv loop — suspends until a consumer
// drains the event queue or Close unblocks it.
func (ch *UnisonChannel) enqueueEvent(msg *ProtocolMessage) bool {
	select {
	case ch.events <- msg:
		return true
	case <-ch.stopCh:
		return false
	}
}

// enqueueRaw is enqueueEvent's counterpart for the raw-bytes queue.
func (ch *UnisonChannel) enqueueRaw(data []byte) bool {
	select {
	case ch.raw <- data:
		return true
	case <-ch.stopCh:
		return false
	}
}

// shutdown runs once, on recv-loop exit: it marks the channel closed,
// fails every pending request with ErrConnectionClosed, and signals
// doneCh so Recv/RecvRaw/Request/Close callers unblock.
func (ch *UnisonChannel) shutdown() {
	ch.closed.Store(true)
	if ch.closeErr.Load() == nil {
		ch.closeErr.Store(ErrConnectionClosed)
	}

	ch.pendingMu.Lock()
	pending := ch.pending
	ch.pending = make(map[uint64]chan pendingResult)
	ch.pendingMu.Unlock()

	for _, slot := range pending {
		slot <- pendingResult{err: ErrConnectionClosed}
	}

	close(ch.doneCh)
}

func remoteErrorFromPayload(payload json.RawMessage) error {
	var ep ErrorPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return &RemoteError{Code: CodeInternal, Message: string(payload)}
	}
	return &RemoteError{Code: ep.Code, Message: ep.Message}
}

var errFatalIDWraparound = &fatalProtocolError{"unison: per-channel request id counter wrapped around"}

type fatalProtocolError struct{ msg string }

func (e *fatalProtocolError) Error() string { return e.msg }
