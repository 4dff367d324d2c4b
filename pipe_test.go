package unison

import "net"

// pipeStream adapts a net.Conn half of an in-process pipe to the
// channelStream interface, standing in for a QUIC stream in tests.
type pipeStream struct {
	net.Conn
}

func (p pipeStream) CancelRead(code uint64)  { _ = p.Conn.Close() }
func (p pipeStream) CancelWrite(code uint64) { _ = p.Conn.Close() }

// newPipeStreamPair returns two connected channelStreams, as if one
// QUIC bidirectional stream were observed from both ends.
func newPipeStreamPair() (channelStream, channelStream) {
	a, b := net.Pipe()
	return pipeStream{a}, pipeStream{b}
}
