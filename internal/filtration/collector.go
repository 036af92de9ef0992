package filtration

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/holmberd/go-nfstrace"
)

// Stats is a snapshot of the writer counters.
type Stats struct {
	Published uint64 // Records pushed to the queue.
	Dropped   uint64 // Records dropped because the queue was full.
	Bytes     uint64 // Message bytes pushed to the queue.
}

// Writer publishes records to the transfer queue on behalf of every
// filtrator. Once stopped it publishes nothing.
type Writer struct {
	queue  *nfstrace.Queue[Record]
	alloc  nfstrace.Allocator
	logger *slog.Logger

	running   atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
}

// NewWriter creates a running writer. alloc provides overflow storage for
// records larger than InlineSize and may be nil.
func NewWriter(queue *nfstrace.Queue[Record], alloc nfstrace.Allocator, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{queue: queue, alloc: alloc, logger: logger}
	w.running.Store(true)
	return w
}

// Running reports whether the writer still accepts records.
func (w *Writer) Running() bool {
	return w.running.Load()
}

// Stop makes every collector reject new records.
func (w *Writer) Stop() {
	w.running.Store(false)
}

func (w *Writer) Stats() Stats {
	return Stats{
		Published: w.published.Load(),
		Dropped:   w.dropped.Load(),
		Bytes:     w.bytes.Load(),
	}
}

// NewCollector returns a collector building records of session s.
func (w *Writer) NewCollector(s *Session) *Collector {
	return &Collector{w: w, session: s}
}

func (w *Writer) collector(s *Session) collector {
	return w.NewCollector(s)
}

func (*Writer) observe(gopacket.Packet) {}

func (w *Writer) drop(err error) {
	switch {
	case errors.Is(err, nfstrace.ErrPoolExhausted):
		w.dropped.Add(1)
		recordsDropped.Inc()
		w.logger.Debug("transfer queue is full, record dropped")
	case errors.Is(err, nfstrace.ErrQueueClosed):
		w.logger.Debug("transfer queue is closed, record dropped")
	default:
		w.logger.Error("failed to allocate record", "error", err)
	}
}

// Collector builds one record at a time in place in the transfer queue.
// It is owned by a single filtrator and is not safe for concurrent use.
type Collector struct {
	w       *Writer
	session *Session
	ref     nfstrace.Ref[Record]
	rec     *Record
}

// Allocate starts a new record, discarding any record in progress.
// It returns false if the queue is full or the writer is stopped; the
// caller then skips the message.
func (c *Collector) Allocate() bool {
	c.Discard()
	if !c.w.Running() {
		return false
	}
	ref, err := c.w.queue.Allocate()
	if err != nil {
		c.w.drop(err)
		return false
	}
	c.ref = ref
	c.rec = ref.Data()
	c.rec.alloc = c.w.alloc
	c.rec.Session = c.session
	return true
}

// Active reports whether a record is in progress.
func (c *Collector) Active() bool {
	return c.rec != nil
}

func (c *Collector) Append(p []byte) { c.rec.Append(p) }
func (c *Collector) SkipFirst(n int) { c.rec.SkipFirst(n) }
func (c *Collector) Resize(n int)    { c.rec.Resize(n) }
func (c *Collector) SetMsgLen(n int) { c.rec.MsgLen = n }
func (c *Collector) Data() []byte    { return c.rec.Bytes() }

// Len returns the number of bytes collected, 0 if no record is in progress.
func (c *Collector) Len() int {
	if c.rec == nil {
		return 0
	}
	return c.rec.Len()
}

func (c *Collector) Capacity() int {
	if c.rec == nil {
		return 0
	}
	return c.rec.Capacity()
}

// Complete stamps the record and pushes it to the queue.
func (c *Collector) Complete(ts time.Time, dir Direction) {
	if c.rec == nil {
		return
	}
	if !c.w.Running() {
		c.Discard()
		return
	}
	c.rec.Timestamp = ts
	c.rec.Direction = dir
	n := c.rec.Len()

	ref := c.ref
	c.ref, c.rec = nfstrace.Ref[Record]{}, nil
	if err := ref.Push(); err != nil {
		c.w.logger.Debug("record not published", "error", err)
		return
	}
	c.w.published.Add(1)
	c.w.bytes.Add(uint64(n))
	recordsPublished.Inc()
	bytesPublished.Add(float64(n))
}

// Discard returns the record in progress to the queue's pool.
func (c *Collector) Discard() {
	if c.rec == nil {
		return
	}
	c.ref.Release()
	c.ref, c.rec = nfstrace.Ref[Record]{}, nil
}
