// Package analysis is the consumer side of the tracer: a single dispatcher
// goroutine drains filtered records from the transfer queue, decodes the RPC
// and SMB headers, matches replies to calls and feeds the analyzers.
package analysis

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/holmberd/go-nfstrace"
	"github.com/holmberd/go-nfstrace/internal/filtration"
)

const DefaultPollInterval = 10 * time.Millisecond

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	PollInterval    time.Duration // Wait between empty drains when no push is signaled.
	MaxSessions     int           // Sessions tracked for call/reply matching, per protocol.
	MaxPendingCalls int           // Calls or SMB requests awaiting a reply per session.
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:    DefaultPollInterval,
		MaxSessions:     4096,
		MaxPendingCalls: 1024,
	}
}

func (c DispatcherConfig) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: poll interval %v must be positive", c.PollInterval))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: max sessions %d must be positive", c.MaxSessions))
	}
	if c.MaxPendingCalls <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: max pending calls %d must be positive", c.MaxPendingCalls))
	}
	return errors.Join(errs...)
}

// DispatcherStats is a snapshot of the dispatcher counters.
type DispatcherStats struct {
	Records      uint64
	Calls        uint64
	Replies      uint64
	SMBRequests  uint64
	SMBResponses uint64
	DecodeErrors uint64
	Unmatched    uint64 // Replies and SMB responses without a pending request.
}

// Dispatcher drains the transfer queue on its own goroutine.
//
// It waits for a push notification or the poll interval, whichever comes
// first, drains every published record and releases each one after the
// analyzers have seen it. Stop performs a final drain so records published
// before the producers stopped are not lost.
type Dispatcher struct {
	queue     *nfstrace.Queue[filtration.Record]
	analyzers []Analyzer
	calls     *pendingTable[uint32, *Call]
	requests  *pendingTable[uint64, *SMBCommand]
	config    DispatcherConfig
	logger    *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	err       error

	mu    sync.Mutex
	stats DispatcherStats
}

func NewDispatcher(queue *nfstrace.Queue[filtration.Record], config DispatcherConfig, logger *slog.Logger, analyzers ...Analyzer) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	calls, err := newPendingTable[uint32, *Call](config.MaxSessions, config.MaxPendingCalls)
	if err != nil {
		return nil, err
	}
	requests, err := newPendingTable[uint64, *SMBCommand](config.MaxSessions, config.MaxPendingCalls)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		queue:     queue,
		analyzers: analyzers,
		calls:     calls,
		requests:  requests,
		config:    config,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the dispatcher goroutine. Calling Start more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() { go d.run() })
}

// Stop signals the dispatcher to perform a final drain and exit, waits for it
// and returns the error that ended it, if any.
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.Start()
	return d.Wait()
}

// Wait blocks until the dispatcher exits and returns the error that ended it.
func (d *Dispatcher) Wait() error {
	<-d.done
	return d.err
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			d.err = fmt.Errorf("analysis failed: %v", r)
			d.logger.Error("dispatcher stopped", "error", d.err, "stack", string(debug.Stack()))
		}
	}()

	d.logger.Debug("dispatcher started", "poll_interval", d.config.PollInterval)
	timer := time.NewTimer(d.config.PollInterval)
	defer timer.Stop()
	for {
		n := d.drain()
		select {
		case <-d.stop:
			d.drain()
			d.logger.Debug("dispatcher stopped", "records", d.Stats().Records)
			return
		default:
		}
		if n > 0 {
			continue
		}
		timer.Reset(d.config.PollInterval)
		select {
		case <-d.stop:
		case <-d.queue.Notify():
		case <-timer.C:
		}
	}
}

// drain processes one batch and returns its size. Records are released as
// they are processed, and by the deferred Close if an analyzer panics.
func (d *Dispatcher) drain() int {
	list := d.queue.Drain()
	defer list.Close()

	n := list.Len()
	if n == 0 {
		return 0
	}
	for ; list.HasMore(); list.Advance() {
		d.process(list.Current())
	}
	batchSize.Observe(float64(n))
	queuePending.Set(float64(d.queue.Pending()))
	return n
}

func (d *Dispatcher) process(r *filtration.Record) {
	d.count(func(s *DispatcherStats) { s.Records++ })
	if r.Session == nil {
		return
	}
	recordsProcessed.WithLabelValues(r.Session.Protocol.String()).Inc()
	switch r.Session.Protocol {
	case filtration.ProtoRPC:
		d.processRPC(r)
	case filtration.ProtoCIFS:
		d.processSMB(r)
	}
}

func (d *Dispatcher) decodeFailed(r *filtration.Record, err error) {
	decodeErrors.Inc()
	d.count(func(s *DispatcherStats) { s.DecodeErrors++ })
	d.logger.Debug("cannot decode message", "session", r.Session.String(), "error", err)
}

func (d *Dispatcher) processRPC(r *filtration.Record) {
	msg, err := DecodeRPC(r.Bytes())
	if err != nil {
		d.decodeFailed(r, err)
		return
	}

	switch msg.Type {
	case MsgCall:
		c := &Call{
			Session:   r.Session,
			Timestamp: r.Timestamp,
			XID:       msg.XID,
			Program:   msg.Program,
			Version:   msg.Version,
			Procedure: msg.Procedure,
			MsgLen:    r.MsgLen,
			Args:      msg.Body,
		}
		for _, a := range d.analyzers {
			a.OnCall(c)
		}
		c.Args = nil
		if evicted := d.calls.add(c.Session.Key, c.XID, c); evicted > 0 {
			evictedCalls.Add(float64(evicted))
		}
		d.count(func(s *DispatcherStats) { s.Calls++ })

	case MsgReply:
		c, ok := d.calls.match(r.Session.Key, msg.XID)
		if !ok {
			unmatchedReplies.Inc()
			d.count(func(s *DispatcherStats) { s.Unmatched++ })
			return
		}
		reply := &Reply{
			Timestamp:  r.Timestamp,
			XID:        msg.XID,
			Stat:       msg.Stat,
			AcceptStat: msg.AcceptStat,
			MsgLen:     r.MsgLen,
		}
		for _, a := range d.analyzers {
			a.OnReply(c, reply)
		}
		d.count(func(s *DispatcherStats) { s.Replies++ })
	}
}

// processSMB dispatches every header of an SMB message, following the chain
// of an SMB2 compound.
func (d *Dispatcher) processSMB(r *filtration.Record) {
	data := r.Bytes()
	for {
		msg, err := DecodeSMB(data)
		if err != nil {
			d.decodeFailed(r, err)
			return
		}
		d.dispatchSMB(r, msg)
		if msg.Next == 0 {
			return
		}
		data = data[msg.Next:]
	}
}

func (d *Dispatcher) dispatchSMB(r *filtration.Record, msg *SMBMessage) {
	if !msg.Response {
		c := &SMBCommand{
			Session:   r.Session,
			Timestamp: r.Timestamp,
			Version:   msg.Version,
			Command:   msg.Command,
			ID:        msg.ID,
			MsgLen:    r.MsgLen,
		}
		for _, a := range d.analyzers {
			a.OnSMBRequest(c)
		}
		if evicted := d.requests.add(c.Session.Key, c.ID, c); evicted > 0 {
			evictedCalls.Add(float64(evicted))
		}
		d.count(func(s *DispatcherStats) { s.SMBRequests++ })
		return
	}

	if msg.Interim() {
		return
	}
	c, ok := d.requests.match(r.Session.Key, msg.ID)
	if !ok {
		unmatchedReplies.Inc()
		d.count(func(s *DispatcherStats) { s.Unmatched++ })
		return
	}
	resp := &SMBResponse{
		Timestamp: r.Timestamp,
		ID:        msg.ID,
		Status:    msg.Status,
		MsgLen:    r.MsgLen,
	}
	for _, a := range d.analyzers {
		a.OnSMBResponse(c, resp)
	}
	d.count(func(s *DispatcherStats) { s.SMBResponses++ })
}

func (d *Dispatcher) count(fn func(*DispatcherStats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// PendingCalls returns the number of calls and SMB requests waiting for
// their reply.
func (d *Dispatcher) PendingCalls() int {
	return d.calls.pending() + d.requests.pending()
}

// Flush writes the results of every analyzer to w.
func (d *Dispatcher) Flush(w io.Writer) error {
	var errs []error
	for _, a := range d.analyzers {
		if err := a.Flush(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
