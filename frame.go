package unison

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// FrameTag identifies what a stream frame's payload carries (spec.md §4.2).
type FrameTag byte

const (
	// FrameProtocol payloads are UnisonPacket bytes whose inner message
	// is a ProtocolMessage.
	FrameProtocol FrameTag = 0x00

	// FrameRaw payloads are opaque application bytes: no packet header,
	// no compression, no serialization. The raw-bytes fast path.
	FrameRaw FrameTag = 0x01
)

// frameLengthSize is the size of a frame's length prefix.
const frameLengthSize = 4

// frameTagSize is the size of a frame's type tag.
const frameTagSize = 1

// WriteFrame writes one length-prefixed, type-tagged frame to w. The
// caller is responsible for serializing writes to w across concurrent
// callers (spec.md §4.6 concurrency rules: the send half is guarded by
// exclusive access).
func WriteFrame(w io.Writer, tag FrameTag, payload []byte) error {
	total := frameTagSize + len(payload)
	if total > MaxFrameSize {
		return errors.Wrap(ErrBadFrame, "unison: frame exceeds 8 MiB limit")
	}

	header := make([]byte, frameLengthSize+frameTagSize)
	binary.BigEndian.PutUint32(header[:frameLengthSize], uint32(total))
	header[frameLengthSize] = byte(tag)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed, type-tagged frame from r. It
// returns ErrUnknownFrameTag for reserved tags and ErrBadFrame for an
// oversized or truncated length prefix; both are fatal to the stream
// only, per spec.md §7.
func ReadFrame(r io.Reader) (FrameTag, []byte, error) {
	var lenBuf [frameLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total == 0 || int(total) > MaxFrameSize {
		return 0, nil, errors.Wrap(ErrBadFrame, "unison: invalid frame length prefix")
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	tag := FrameTag(body[0])
	if tag != FrameProtocol && tag != FrameRaw {
		return 0, nil, ErrUnknownFrameTag
	}
	return tag, body[frameTagSize:], nil
}

// Legacy single-packet framing (spec.md §4.2, Open Question 3) is
// deliberately not implemented: the spec marks it deprecated and
// recommends removing it in a later protocol revision, so this core
// only ever speaks the length-prefixed, tagged framing above.
