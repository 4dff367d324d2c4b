package unison

import "time"

// Numeric invariants from spec.md §3 and §5.
const (
	MaxPayloadSize           = 8 * 1024 * 1024 // 8 MiB
	MaxFrameSize             = 8 * 1024 * 1024 // 8 MiB, includes tag + payload
	MaxMethodLength          = 256
	DefaultCompressionLevel  = 1
	DefaultCompressionThresh = 2048
	DefaultEventQueueSize    = 1024
	DefaultMaxBidiStreams    = 1000
	DefaultShutdownDeadline  = 5 * time.Second

	defaultMaxIdleTimeout  = 60 * time.Second
	defaultKeepAlivePeriod = 10 * time.Second
	defaultInitialRTT      = 100 * time.Millisecond
)

// CodecConfig configures the packet codec (spec.md §4.1).
type CodecConfig struct {
	// CompressionThreshold is the payload size, in bytes, at or above
	// which the codec attempts zstd compression. Default 2048.
	CompressionThreshold int

	// DisableCompression turns off compression entirely regardless of
	// payload size.
	DisableCompression bool

	// Checksum enables CRC32 computation over header-with-checksum-zeroed
	// concatenated with payload (spec.md Open Question 5's conservative
	// choice).
	Checksum bool
}

// DefaultCodecConfig returns the codec defaults named in spec.md §4.1.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		CompressionThreshold: DefaultCompressionThresh,
	}
}

// TransportConfig configures QUIC transport parameters (spec.md §4.3).
type TransportConfig struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	MaxBidiStreams  int64
	InitialRTT      time.Duration

	// InsecureSkipVerify disables server certificate verification on
	// DialQUIC regardless of the tls.Config passed in. Development only —
	// production clients must supply a real verifier.
	InsecureSkipVerify bool
}

// DefaultTransportConfig returns the expected transport parameters named
// in spec.md §4.3.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleTimeout:  defaultMaxIdleTimeout,
		KeepAlivePeriod: defaultKeepAlivePeriod,
		MaxBidiStreams:  DefaultMaxBidiStreams,
		InitialRTT:      defaultInitialRTT,
	}
}

// Config is the runtime (not persisted, spec.md §6) configuration surface
// shared by Server and Client.
type Config struct {
	Codec     CodecConfig
	Transport TransportConfig

	// EventQueueSize bounds each channel's event queue. Default 1024.
	EventQueueSize int

	// ShutdownDeadline bounds how long Server.Shutdown waits for
	// in-flight connections to drain before aborting them. Default 5s.
	ShutdownDeadline time.Duration

	// TLS names the certificate source priority (spec.md §4.3):
	// explicit files, embedded assets, or self-signed-on-first-run.
	TLS TLSSource
}

// DefaultConfig returns a Config with every default named in spec.md.
func DefaultConfig() Config {
	return Config{
		Codec:            DefaultCodecConfig(),
		Transport:        DefaultTransportConfig(),
		EventQueueSize:   DefaultEventQueueSize,
		ShutdownDeadline: DefaultShutdownDeadline,
	}
}
