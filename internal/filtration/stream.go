package filtration

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
)

// streamFactory creates a stream for each direction of a TCP connection
// that carries a traced protocol.
type streamFactory struct {
	f *Filtration
}

func (sf *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	proto, dir, ok := sf.f.classify(netFlow, tcpFlow)
	if !ok {
		return discardStream{}
	}
	st := sf.f.sessions.lookup(TCP, proto, netFlow, tcpFlow, dir)
	sf.f.sessions.acquire(st)
	sf.f.logger.Debug("new stream", "session", st.session.String(), "direction", dir.String())
	return &stream{
		net:       netFlow,
		transport: tcpFlow,
		state:     st,
		sessions:  sf.f.sessions,
		filtrator: newFiltrator(st.framer, sf.f.sink.collector(st.session), dir, proto),
	}
}

// stream feeds reassembled TCP data of one direction to a filtrator.
type stream struct {
	net       gopacket.Flow
	transport gopacket.Flow
	state     *sessionState
	sessions  *sessionTable
	filtrator *filtrator
}

// Reassembled is called whenever new packet data is available for reading.
// Reassembly objects contain stream data in order.
func (s *stream) Reassembled(reassemblies []tcpassembly.Reassembly) {
	for _, r := range reassemblies {
		if r.Skip != 0 {
			s.filtrator.lost(r.Skip)
		}
		if len(r.Bytes) > 0 {
			s.filtrator.push(r.Bytes, r.Seen)
		}
	}
}

// ReassemblyComplete is called when the TCP assembler believes a stream has
// finished. A message still in progress is dropped.
func (s *stream) ReassemblyComplete() {
	s.filtrator.reset()
	s.sessions.release(s.state)
}

type discardStream struct{}

func (discardStream) Reassembled([]tcpassembly.Reassembly) {}
func (discardStream) ReassemblyComplete()                  {}
