package unison

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// ChannelHandlerFunc is invoked on the server for each new channel open,
// after the UnisonChannel has been constructed over the accepted stream
// (spec.md §4.5 step 4).
type ChannelHandlerFunc func(ctx context.Context, connCtx *ConnectionContext, ch *UnisonChannel)

// registeredChannel is one server-side RegisterChannel entry.
type registeredChannel struct {
	info    ChannelInfo
	handler ChannelHandlerFunc
}

// openChannelClient implements the client-initiated open sequence from
// spec.md §4.5: open a bidi stream, send a __channel:<name> Request, and
// wait for the server's answer to that Request before handing back a
// UnisonChannel. The server always answers the open Request exactly
// once: an empty Response on acceptance, an Error naming
// HANDLER_NOT_FOUND on rejection (dispatchServerChannel). Any later
// traffic on the stream belongs to the channel proper and is left for
// the recv loop, not consumed here.
func openChannelClient(ctx context.Context, stream channelStream, streamID uint64, name string, codec *Codec, eventQueueSize int, log zerolog.Logger) (*UnisonChannel, error) {
	id := uint64(1)
	body, err := encodeProtocolMessage(newRequest(id, ChannelOpenMethod(name), json.RawMessage("{}")))
	if err != nil {
		return nil, err
	}
	packet, err := codec.Encode(PacketFields{
		Type:       PacketControl,
		StreamID:   streamID,
		MessageID:  id,
		ResponseTo: 0,
	}, body)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(stream, FrameProtocol, packet); err != nil {
		return nil, err
	}

	tag, payload, err := readFrameContext(ctx, stream)
	if err != nil {
		return nil, err
	}
	if tag != FrameProtocol {
		return nil, fmt.Errorf("unison: expected Protocol frame answering channel open, got tag %d", tag)
	}
	_, ackBody, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	ack, err := decodeProtocolMessage(ackBody)
	if err != nil {
		return nil, err
	}
	if ack.Type == MsgError {
		return nil, remoteErrorFromPayload(ack.Payload)
	}
	if ack.Type != MsgResponse || ack.ID != id {
		return nil, fmt.Errorf("unison: unexpected reply answering channel open for %q", name)
	}

	return newUnisonChannel(name, streamID, stream, codec, eventQueueSize, log), nil
}

// readFrameContext reads one frame, honoring ctx cancellation by
// aborting the pending read rather than blocking forever.
func readFrameContext(ctx context.Context, stream channelStream) (FrameTag, []byte, error) {
	type result struct {
		tag     FrameTag
		payload []byte
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		tag, payload, err := ReadFrame(stream)
		resultCh <- result{tag, payload, err}
	}()

	select {
	case res := <-resultCh:
		return res.tag, res.payload, res.err
	case <-ctx.Done():
		stream.CancelRead(uint64(CodeClosedErrorCode))
		return 0, nil, ctx.Err()
	}
}

// dispatchServerChannel implements the server side of spec.md §4.5: the
// first frame on a freshly accepted stream names the channel to open.
// On success it constructs and hands off a UnisonChannel to the
// registered handler; on failure it sends an Error and finishes the
// stream.
func dispatchServerChannel(ctx context.Context, stream channelStream, streamID uint64, codec *Codec, registry map[string]registeredChannel, eventQueueSize int, log zerolog.Logger) (*UnisonChannel, *registeredChannel, error) {
	tag, payload, err := ReadFrame(stream)
	if err != nil {
		return nil, nil, err
	}
	if tag != FrameProtocol {
		return nil, nil, fmt.Errorf("unison: expected Protocol frame to open a channel, got tag %d", tag)
	}

	header, body, err := codec.Decode(payload)
	if err != nil {
		return nil, nil, err
	}
	msg, err := decodeProtocolMessage(body)
	if err != nil {
		return nil, nil, err
	}
	name, ok := ChannelNameFromMethod(msg.Method)
	if !ok || msg.Type != MsgRequest {
		return nil, nil, fmt.Errorf("unison: first frame on stream %d was not a channel open request", streamID)
	}

	entry, ok := registry[name]
	if !ok {
		sendChannelOpenError(stream, codec, streamID, msg.ID, CodeHandlerNotFound, fmt.Sprintf("no handler registered for channel %q", name))
		_ = stream.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}

	if err := sendChannelOpenAck(stream, codec, streamID, msg.ID); err != nil {
		return nil, nil, err
	}

	ch := newUnisonChannel(name, streamID, stream, codec, eventQueueSize, log)
	_ = header // header.ResponseTo is 0 here; retained for symmetry/clarity
	return ch, &entry, nil
}

// sendChannelOpenAck answers a channel-open Request with an empty
// Response, symmetric with sendChannelOpenError's rejection path. The
// client blocks on this reply before treating the channel as usable,
// so the open always resolves promptly whether accepted or refused.
func sendChannelOpenAck(stream channelStream, codec *Codec, streamID, requestID uint64) error {
	body, err := encodeProtocolMessage(newResponse(requestID, "", json.RawMessage("{}")))
	if err != nil {
		return err
	}
	packet, err := codec.Encode(PacketFields{
		Type:       PacketControl,
		StreamID:   streamID,
		MessageID:  requestID,
		ResponseTo: requestID,
	}, body)
	if err != nil {
		return err
	}
	return WriteFrame(stream, FrameProtocol, packet)
}

func sendChannelOpenError(stream channelStream, codec *Codec, streamID, requestID uint64, code WireErrorCode, message string) {
	raw, err := MarshalPayload(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	body, err := encodeProtocolMessage(newErrorMessage(1, "", raw))
	if err != nil {
		return
	}
	packet, err := codec.Encode(PacketFields{
		Type:       PacketControl,
		StreamID:   streamID,
		MessageID:  1,
		ResponseTo: requestID,
	}, body)
	if err != nil {
		return
	}
	_ = WriteFrame(stream, FrameProtocol, packet)
}
