package unison

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameProtocol, []byte("packet-bytes")))
	require.NoError(t, WriteFrame(&buf, FrameRaw, []byte("raw-bytes")))

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameProtocol, tag)
	require.Equal(t, []byte("packet-bytes"), payload)

	tag, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameRaw, tag)
	require.Equal(t, []byte("raw-bytes"), payload)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRaw, nil))

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameRaw, tag)
	require.Empty(t, payload)
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRaw, []byte("x")))
	raw := buf.Bytes()
	raw[4] = 0x7F // overwrite the tag byte with a reserved value

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrUnknownFrameTag)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0x7F // length prefix far beyond MaxFrameSize
	_, _, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	lenBuf := make([]byte, 4)
	_, _, err := ReadFrame(bytes.NewReader(lenBuf))
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestReadFrameSurfacesShortRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRaw, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, _, err := ReadFrame(bytes.NewReader(truncated))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, FrameRaw, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrBadFrame)
}
