package filtration

import (
	"math"
	"time"
)

// copyAll marks a message that is published without truncation.
const copyAll = math.MaxInt

// maxHeaderLen is the largest header a framer inspects: NetBIOS + SMB2.
const maxHeaderLen = 4 + 64

// message describes a message found by a framer.
type message struct {
	len  int // Length including transport framing; 0 if unknown (datagrams).
	copy int // Leading bytes to publish, including framing. 0 skips the message.
	skip int // Framing bytes stripped from the published record.
}

// framer recognizes the messages of one protocol.
type framer interface {
	// frame inspects the first bytes of a message. If hdr is too short to
	// decide, it returns need > len(hdr). Otherwise ok reports whether hdr
	// starts a valid message, which is then described by m.
	frame(hdr []byte, m *message) (need int, ok bool)
}

// collector receives the bytes of one message at a time. Collector builds
// records for analysis and dumpCollector writes the carrying packets.
type collector interface {
	// Allocate starts a message. It returns false if the message is dropped.
	Allocate() bool
	Active() bool
	Append(p []byte)
	SkipFirst(n int)
	Resize(n int)
	SetMsgLen(n int)
	Complete(ts time.Time, dir Direction)
	Discard()
}

// filtrator splits one direction of a byte stream into messages and
// publishes the useful part of each through its collector.
//
// While msgLen > 0 the filtrator is inside a message: the first toCopy of
// the remaining msgLen bytes are collected, the rest are discarded.
type filtrator struct {
	framer    framer
	collector collector
	dir       Direction
	proto     string

	hdr    [maxHeaderLen]byte
	hdrLen int
	msg    message
	msgLen int // Bytes of the current message not yet consumed.
	toCopy int // Bytes of the current message still to be collected.
}

func newFiltrator(f framer, c collector, dir Direction, proto Protocol) *filtrator {
	return &filtrator{framer: f, collector: c, dir: dir, proto: proto.String()}
}

// push consumes the next bytes of the stream.
func (f *filtrator) push(data []byte, ts time.Time) {
	for len(data) > 0 {
		if f.msgLen == 0 {
			data = f.findMessage(data, ts)
			continue
		}
		if f.toCopy > 0 {
			n := min(f.toCopy, len(data))
			f.collector.Append(data[:n])
			f.toCopy -= n
			f.msgLen -= n
			data = data[n:]
			if f.toCopy == 0 {
				f.complete(ts)
			}
			continue
		}
		// Discard the tail of the current message.
		n := min(f.msgLen, len(data))
		f.msgLen -= n
		data = data[n:]
	}
}

// findMessage collects header bytes until the framer decides, then starts
// the message. It returns the unconsumed data.
func (f *filtrator) findMessage(data []byte, ts time.Time) []byte {
	for {
		need, ok := f.framer.frame(f.hdr[:f.hdrLen], &f.msg)
		if need > f.hdrLen {
			if len(data) == 0 {
				return nil
			}
			n := copy(f.hdr[f.hdrLen:min(need, maxHeaderLen)], data)
			f.hdrLen += n
			data = data[n:]
			continue
		}
		if !ok || f.msg.len < f.hdrLen {
			// Not a message boundary: drop the header and the rest of the
			// segment, and look for a message in the next one.
			f.lostSync()
			return nil
		}
		f.start(ts)
		return data
	}
}

// start begins the message described by f.msg whose header is in f.hdr.
func (f *filtrator) start(ts time.Time) {
	hdr := f.hdr[:f.hdrLen]
	f.hdrLen = 0
	f.msgLen = f.msg.len - len(hdr)
	f.toCopy = 0

	toCopy := min(f.msg.copy, f.msg.len)
	if toCopy == 0 || !f.collector.Allocate() {
		return
	}
	f.collector.Resize(toCopy)
	f.collector.SetMsgLen(f.msg.len)
	n := min(toCopy, len(hdr))
	f.collector.Append(hdr[:n])
	f.toCopy = toCopy - n
	if f.toCopy == 0 {
		f.complete(ts)
	}
}

func (f *filtrator) complete(ts time.Time) {
	f.collector.SkipFirst(f.msg.skip)
	f.collector.Complete(ts, f.dir)
}

// pushDatagram filters a datagram carrying exactly one message.
func (f *filtrator) pushDatagram(data []byte, ts time.Time) {
	f.msg = message{}
	need, ok := f.framer.frame(data, &f.msg)
	if need > len(data) || !ok {
		return
	}
	if f.msg.len == 0 || f.msg.len > len(data) {
		f.msg.len = len(data)
	}
	toCopy := min(f.msg.copy, f.msg.len)
	if toCopy == 0 || !f.collector.Allocate() {
		return
	}
	f.collector.SetMsgLen(f.msg.len)
	f.collector.Append(data[:toCopy])
	f.complete(ts)
}

// lost accounts for n bytes missing from the stream, or an unknown number if
// n is negative. Bytes lost inside the discarded tail of a message keep the
// filtrator in sync; anything else drops the message in progress.
func (f *filtrator) lost(n int) {
	if f.msgLen == 0 && f.hdrLen == 0 {
		// Lost between messages; the next byte may still start one.
		return
	}
	if n > 0 && f.toCopy == 0 && f.msgLen >= n {
		f.msgLen -= n
		return
	}
	f.lostSync()
}

// lostSync abandons the message in progress.
func (f *filtrator) lostSync() {
	f.reset()
	streamsLostSync.WithLabelValues(f.proto).Inc()
}

// reset drops any message in progress.
func (f *filtrator) reset() {
	f.collector.Discard()
	f.hdrLen = 0
	f.msgLen = 0
	f.toCopy = 0
}
