package unison

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T, cfg CodecConfig) *Codec {
	t.Helper()
	codec, err := NewCodec(cfg)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestCodecRoundTripSmallPayload(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())

	fields := PacketFields{Type: PacketData, SequenceNumber: 7, StreamID: 3, MessageID: 9, ResponseTo: 0}
	payload := []byte(`{"hello":"world"}`)

	encoded, err := codec.Encode(fields, payload)
	require.NoError(t, err)

	header, got, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.False(t, header.Compressed(), "small payload should stay under the compression threshold")
	require.Equal(t, payload, got)
	require.Equal(t, fields.StreamID, header.StreamID)
	require.Equal(t, fields.MessageID, header.MessageID)
	require.Equal(t, fields.SequenceNumber, header.SequenceNumber)
}

func TestCodecCompressesLargeCompressiblePayload(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())

	payload := bytes.Repeat([]byte("unison-repeating-payload-segment "), 200)
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}

	encoded, err := codec.Encode(fields, payload)
	require.NoError(t, err)
	require.Less(t, len(encoded), len(payload)+HeaderSize, "compressed packet should be smaller than raw payload plus header")

	header, got, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.True(t, header.Compressed())
	require.Equal(t, payload, got)
}

func TestCodecSkipsCompressionWhenNotSmaller(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())

	// Random-ish incompressible payload above the threshold: zstd should
	// not shrink it, so the codec must keep the raw bytes.
	payload := make([]byte, DefaultCompressionThresh+100)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}

	encoded, err := codec.Encode(fields, payload)
	require.NoError(t, err)

	header, got, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	_ = header
}

func TestCodecChecksumDetectsCorruption(t *testing.T) {
	codec := testCodec(t, CodecConfig{CompressionThreshold: DefaultCompressionThresh, Checksum: true})

	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}
	encoded, err := codec.Encode(fields, []byte("payload"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err = codec.Decode(corrupted)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestCodecRejectsBadVersion(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}
	encoded, err := codec.Encode(fields, []byte("x"))
	require.NoError(t, err)

	encoded[0] = ProtocolVersion + 1
	_, _, err = codec.Decode(encoded)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}
	_, err := codec.Encode(fields, make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrSizeExceeded)
}

func TestCodecRejectsTruncatedHeader(t *testing.T) {
	codec := testCodec(t, DefaultCodecConfig())
	_, _, err := codec.Decode(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestCodecDisableCompressionHonored(t *testing.T) {
	codec := testCodec(t, CodecConfig{DisableCompression: true})
	payload := bytes.Repeat([]byte("aaaaaaaaaa"), 1000)
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}

	encoded, err := codec.Encode(fields, payload)
	require.NoError(t, err)

	header, got, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.False(t, header.Compressed())
	require.Equal(t, payload, got)
}
