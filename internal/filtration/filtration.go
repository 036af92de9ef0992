// Package filtration reads captured packets, reassembles TCP streams and
// extracts the NFS and CIFS messages worth analyzing. Each message is
// written in place into a record of the transfer queue and published to the
// analysis goroutine, or the packets carrying it are dumped to pcap files.
package filtration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
)

const (
	DefaultMsgHeaderLimit = 512
	MaxMsgHeaderLimit     = InlineSize
)

// Config configures packet filtration.
type Config struct {
	MsgHeaderLimit int           // Bytes kept of NFSv3 and SMB READ/WRITE messages.
	MaxSessions    int           // Maximum number of tracked sessions.
	NFSPorts       []uint16      // Ports carrying Sun RPC.
	CIFSPorts      []uint16      // Ports carrying NetBIOS/SMB.
	FlushInterval  time.Duration // How often idle TCP streams are flushed.
	StreamTimeout  time.Duration // Idle time after which a TCP stream is flushed.
}

func DefaultConfig() Config {
	return Config{
		MsgHeaderLimit: DefaultMsgHeaderLimit,
		MaxSessions:    4096,
		NFSPorts:       []uint16{2049},
		CIFSPorts:      []uint16{445, 139},
		FlushInterval:  10 * time.Second,
		StreamTimeout:  2 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MsgHeaderLimit < 1 || c.MsgHeaderLimit > MaxMsgHeaderLimit {
		errs = append(errs, fmt.Errorf("invalid config: msg header limit %d must be in [1, %d]", c.MsgHeaderLimit, MaxMsgHeaderLimit))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: max sessions %d must be positive", c.MaxSessions))
	}
	if len(c.NFSPorts) == 0 && len(c.CIFSPorts) == 0 {
		errs = append(errs, errors.New("invalid config: no ports to trace"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: flush interval %v must be positive", c.FlushInterval))
	}
	if c.StreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: stream timeout %v must be positive", c.StreamTimeout))
	}
	return errors.Join(errs...)
}

// Sink receives the messages found by filtration: a Writer publishes them
// for analysis and a Dumper writes their packets to pcap files.
type Sink interface {
	Running() bool
	Stop()
	Stats() Stats

	collector(s *Session) collector
	// observe is called with every packet before it is filtered.
	observe(p gopacket.Packet)
}

// Filtration drives packet filtration from a single goroutine: packets are
// decoded, TCP segments are reassembled and every stream and datagram is
// split into messages by a protocol framer.
type Filtration struct {
	config    Config
	sink      Sink
	sessions  *sessionTable
	assembler *tcpassembly.Assembler
	logger    *slog.Logger
	lastSeen  time.Time // Timestamp of the latest packet.
}

// New creates a filtration passing messages to sink.
func New(config Config, sink Sink, logger *slog.Logger) (*Filtration, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("filtration: nil sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filtration{
		config: config,
		sink:   sink,
		logger: logger,
	}
	sessions, err := newSessionTable(config.MaxSessions, f.newFramer)
	if err != nil {
		return nil, err
	}
	f.sessions = sessions
	f.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(&streamFactory{f: f}))
	return f, nil
}

func (f *Filtration) newFramer(s *Session) framer {
	switch s.Protocol {
	case ProtoCIFS:
		return &cifsFramer{limit: f.config.MsgHeaderLimit}
	default:
		return newRPCFramer(s.Transport, f.config.MsgHeaderLimit)
	}
}

// classify returns the protocol carried by a flow and the direction of the
// flow relative to the server, the endpoint on a traced port. When both or
// neither port is traced the lower endpoint is taken as the client.
func (f *Filtration) classify(netFlow, flow gopacket.Flow) (Protocol, Direction, bool) {
	src, dst := flow.Endpoints()
	srcProto, srcOK := f.portProtocol(src)
	dstProto, dstOK := f.portProtocol(dst)
	switch {
	case dstOK && !srcOK:
		return dstProto, DirForward, true
	case srcOK && !dstOK:
		return srcProto, DirReverse, true
	case srcOK && dstOK:
		if canonical(netFlow, flow) {
			return dstProto, DirForward, true
		}
		return srcProto, DirReverse, true
	}
	return 0, DirUnknown, false
}

func (f *Filtration) portProtocol(e gopacket.Endpoint) (Protocol, bool) {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0, false
	}
	port := uint16(raw[0])<<8 | uint16(raw[1])
	switch {
	case slices.Contains(f.config.NFSPorts, port):
		return ProtoRPC, true
	case slices.Contains(f.config.CIFSPorts, port):
		return ProtoCIFS, true
	}
	return 0, false
}

// Run filters packets until the source is exhausted or ctx is done.
// Streams still open are flushed before Run returns.
func (f *Filtration) Run(ctx context.Context, packets <-chan gopacket.Packet) error {
	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()
	defer f.assembler.FlushAll()

	f.logger.Info("filtration started", "nfs_ports", f.config.NFSPorts, "cifs_ports", f.config.CIFSPorts)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("filtration stopped", "reason", context.Cause(ctx))
			return nil
		case p, ok := <-packets:
			if !ok {
				f.logger.Info("capture source exhausted")
				return nil
			}
			f.Handle(p)
		case <-ticker.C:
			f.flush()
		}
	}
}

// Handle filters one packet.
func (f *Filtration) Handle(p gopacket.Packet) {
	if !f.sink.Running() {
		return
	}
	f.sink.observe(p)
	nl, tl := p.NetworkLayer(), p.TransportLayer()
	if nl == nil || tl == nil {
		return
	}
	ts := p.Metadata().Timestamp
	if ts.After(f.lastSeen) {
		f.lastSeen = ts
	}

	switch t := tl.(type) {
	case *layers.TCP:
		packetsReceived.WithLabelValues("tcp").Inc()
		if _, _, ok := f.classify(nl.NetworkFlow(), t.TransportFlow()); !ok {
			return
		}
		f.assembler.AssembleWithTimestamp(nl.NetworkFlow(), t, ts)
	case *layers.UDP:
		packetsReceived.WithLabelValues("udp").Inc()
		f.handleDatagram(nl.NetworkFlow(), t, ts)
	}
}

func (f *Filtration) handleDatagram(netFlow gopacket.Flow, udp *layers.UDP, ts time.Time) {
	flow := udp.TransportFlow()
	proto, dir, ok := f.classify(netFlow, flow)
	if !ok || proto != ProtoRPC || len(udp.Payload) == 0 {
		return
	}
	st := f.sessions.lookup(UDP, proto, netFlow, flow, dir)
	i := 0
	if dir == DirReverse {
		i = 1
	}
	if st.udp[i] == nil {
		st.udp[i] = newFiltrator(st.framer, f.sink.collector(st.session), dir, proto)
	}
	st.udp[i].pushDatagram(udp.Payload, ts)
}

// flush closes TCP streams idle for longer than the stream timeout, measured
// against packet timestamps so that capture files replay like live traffic.
func (f *Filtration) flush() {
	if f.lastSeen.IsZero() {
		return
	}
	flushed, closed := f.assembler.FlushOlderThan(f.lastSeen.Add(-f.config.StreamTimeout))
	sessionsGauge.Set(float64(f.sessions.Len()))
	if flushed > 0 || closed > 0 {
		f.logger.Debug("flushed idle streams", "flushed", flushed, "closed", closed)
	}
}

// Stop stops passing messages to the sink. Messages in progress are discarded.
func (f *Filtration) Stop() {
	f.sink.Stop()
}

// Running reports whether messages are still passed to the sink.
func (f *Filtration) Running() bool {
	return f.sink.Running()
}

func (f *Filtration) Stats() Stats {
	return f.sink.Stats()
}

// Sessions returns the number of tracked sessions.
func (f *Filtration) Sessions() int {
	return f.sessions.Len()
}
