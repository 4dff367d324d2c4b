package unison

import (
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// benchPayload mirrors a mid-sized event payload: enough fields that
// compression and serialization cost are both measurable.
type benchPayload struct {
	ID     uint64            `json:"id"`
	Name   string            `json:"name"`
	Tags   []string          `json:"tags"`
	Extra  map[string]string `json:"extra"`
	Amount float64           `json:"amount"`
}

func makeBenchPayload() benchPayload {
	return benchPayload{
		ID:   42,
		Name: "order-placed",
		Tags: []string{"retail", "priority", "eu-west"},
		Extra: map[string]string{
			"customer": "acme-corp",
			"region":   "eu-west-1",
			"channel":  "web",
		},
		Amount: 199.99,
	}
}

// BenchmarkCodecEncode measures the packet codec's JSON+optional-zstd
// encoding path (spec.md §4.1) against the same payload reencoded as a
// protobuf structpb.Struct, the comparison the teacher package's own
// marshal benchmarks drew between its binary framing and protobuf.
func BenchmarkCodecEncode(b *testing.B) {
	codec, err := NewCodec(DefaultCodecConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer codec.Close()

	payload := makeBenchPayload()
	raw, err := json.Marshal(payload)
	if err != nil {
		b.Fatal(err)
	}
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}

	b.Run("json+codec", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := codec.Encode(fields, raw); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("protobuf-struct", func(b *testing.B) {
		m := map[string]interface{}{
			"id":     float64(payload.ID),
			"name":   payload.Name,
			"tags":   payload.Tags,
			"extra":  payload.Extra,
			"amount": payload.Amount,
		}
		st, err := structpb.NewStruct(m)
		if err != nil {
			b.Fatal(err)
		}
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := proto.Marshal(st); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkCodecDecode is BenchmarkCodecEncode's inverse.
func BenchmarkCodecDecode(b *testing.B) {
	codec, err := NewCodec(DefaultCodecConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer codec.Close()

	payload := makeBenchPayload()
	raw, err := json.Marshal(payload)
	if err != nil {
		b.Fatal(err)
	}
	fields := PacketFields{Type: PacketData, StreamID: 1, MessageID: 1}
	packet, err := codec.Encode(fields, raw)
	if err != nil {
		b.Fatal(err)
	}

	m := map[string]interface{}{
		"id":     float64(payload.ID),
		"name":   payload.Name,
		"tags":   payload.Tags,
		"extra":  payload.Extra,
		"amount": payload.Amount,
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		b.Fatal(err)
	}
	pbBytes, err := proto.Marshal(st)
	if err != nil {
		b.Fatal(err)
	}

	b.Run("json+codec", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, _, err := codec.Decode(packet); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("protobuf-struct", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			var out structpb.Struct
			if err := proto.Unmarshal(pbBytes, &out); err != nil {
				b.Fatal(err)
			}
		}
	})
}
