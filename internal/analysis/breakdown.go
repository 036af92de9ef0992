package analysis

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"
)

type procKey struct {
	Program   uint32
	Version   uint32
	Procedure uint32
}

// ProcedureStats accumulates the calls of one procedure.
type ProcedureStats struct {
	Calls      uint64
	Replies    uint64
	TotalTime  time.Duration // Sum of reply latencies.
	MinLatency time.Duration
	MaxLatency time.Duration
}

// AvgLatency returns the mean reply latency.
func (s ProcedureStats) AvgLatency() time.Duration {
	if s.Replies == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Replies)
}

func (s *ProcedureStats) observe(latency time.Duration) {
	s.Replies++
	s.TotalTime += latency
	if s.Replies == 1 || latency < s.MinLatency {
		s.MinLatency = latency
	}
	s.MaxLatency = max(s.MaxLatency, latency)
}

type smbKey struct {
	Version uint8
	Command uint16
}

// Breakdown counts calls and reply latencies per RPC procedure and per SMB
// command, and mirrors them to Prometheus.
type Breakdown struct {
	mu    sync.Mutex
	procs map[procKey]*ProcedureStats
	smb   map[smbKey]*ProcedureStats
}

func NewBreakdown() *Breakdown {
	return &Breakdown{
		procs: make(map[procKey]*ProcedureStats),
		smb:   make(map[smbKey]*ProcedureStats),
	}
}

func entry[K comparable](m map[K]*ProcedureStats, k K) *ProcedureStats {
	s, ok := m[k]
	if !ok {
		s = &ProcedureStats{}
		m[k] = s
	}
	return s
}

func labels(c *Call) []string {
	return []string{ProgramName(c.Program), strconv.FormatUint(uint64(c.Version), 10), c.ProcedureName()}
}

func smbLabels(c *SMBCommand) []string {
	return []string{"smb", strconv.FormatUint(uint64(c.Version), 10), c.CommandName()}
}

func (b *Breakdown) OnCall(c *Call) {
	b.mu.Lock()
	entry(b.procs, procKey{c.Program, c.Version, c.Procedure}).Calls++
	b.mu.Unlock()
	procedureCalls.WithLabelValues(labels(c)...).Inc()
}

func (b *Breakdown) OnReply(c *Call, r *Reply) {
	latency := max(r.Latency(c), 0)
	b.mu.Lock()
	entry(b.procs, procKey{c.Program, c.Version, c.Procedure}).observe(latency)
	b.mu.Unlock()
	procedureLatency.WithLabelValues(labels(c)...).Observe(latency.Seconds())
}

func (b *Breakdown) OnSMBRequest(c *SMBCommand) {
	b.mu.Lock()
	entry(b.smb, smbKey{c.Version, c.Command}).Calls++
	b.mu.Unlock()
	procedureCalls.WithLabelValues(smbLabels(c)...).Inc()
}

func (b *Breakdown) OnSMBResponse(c *SMBCommand, r *SMBResponse) {
	latency := max(r.Latency(c), 0)
	b.mu.Lock()
	entry(b.smb, smbKey{c.Version, c.Command}).observe(latency)
	b.mu.Unlock()
	procedureLatency.WithLabelValues(smbLabels(c)...).Observe(latency.Seconds())
}

// Stats returns the statistics of a procedure.
func (b *Breakdown) Stats(prog, vers, proc uint32) ProcedureStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.procs[procKey{prog, vers, proc}]; ok {
		return *s
	}
	return ProcedureStats{}
}

// SMBStats returns the statistics of an SMB command.
func (b *Breakdown) SMBStats(version uint8, cmd uint16) ProcedureStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.smb[smbKey{version, cmd}]; ok {
		return *s
	}
	return ProcedureStats{}
}

type breakdownRow struct {
	program   string
	version   uint64
	procedure string
	stats     *ProcedureStats
}

// Flush writes a table of every procedure seen, ordered by program,
// version and procedure number, followed by every SMB command seen.
func (b *Breakdown) Flush(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := slices.SortedFunc(maps.Keys(b.procs), func(x, y procKey) int {
		return cmp.Or(
			cmp.Compare(x.Program, y.Program),
			cmp.Compare(x.Version, y.Version),
			cmp.Compare(x.Procedure, y.Procedure),
		)
	})
	smbKeys := slices.SortedFunc(maps.Keys(b.smb), func(x, y smbKey) int {
		return cmp.Or(cmp.Compare(x.Version, y.Version), cmp.Compare(x.Command, y.Command))
	})

	rows := make([]breakdownRow, 0, len(keys)+len(smbKeys))
	for _, k := range keys {
		rows = append(rows, breakdownRow{ProgramName(k.Program), uint64(k.Version), ProcedureName(k.Program, k.Version, k.Procedure), b.procs[k]})
	}
	for _, k := range smbKeys {
		rows = append(rows, breakdownRow{"smb", uint64(k.Version), SMBCommandName(k.Version, k.Command), b.smb[k]})
	}

	var total uint64
	for _, r := range rows {
		total += r.stats.Calls
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PROGRAM\tVERSION\tPROCEDURE\tCALLS\t%\tREPLIES\tAVG\tMIN\tMAX")
	for _, r := range rows {
		s := r.stats
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(s.Calls) / float64(total)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%.2f\t%d\t%v\t%v\t%v\n",
			r.program, r.version, r.procedure,
			s.Calls, pct, s.Replies, s.AvgLatency(), s.MinLatency, s.MaxLatency)
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t%d\t\t\t\t\t\n", total)
	return tw.Flush()
}
