package filtration

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// DumpToStdout is the DumpConfig path that writes to standard output.
	DumpToStdout = "-"

	dumpSnapLen       = 65536
	pcapFileHeaderLen = 24
	pcapRecordLen     = 16
)

// DumpConfig configures a Dumper.
type DumpConfig struct {
	Path      string // Output file, or DumpToStdout.
	SizeLimit int64  // Bytes per file before rotating to Path-1, Path-2 and so on; 0 disables rotation.
	Command   string // Run with the name of every completed file appended.
}

func (c DumpConfig) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("invalid dump config: no output file"))
	}
	if c.SizeLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid dump config: size limit %d must not be negative", c.SizeLimit))
	}
	if c.Path == DumpToStdout && c.SizeLimit != 0 {
		errs = append(errs, errors.New("invalid dump config: standard output cannot be rotated"))
	}
	if c.Path == DumpToStdout && c.Command != "" {
		errs = append(errs, errors.New("invalid dump config: no command runs on standard output"))
	}
	return errors.Join(errs...)
}

// Dumper writes the packets carrying traced messages to pcap files instead
// of publishing records for analysis. A packet is written once, when the
// first bytes of a message it carries are collected; packets of skipped
// messages and of untraced traffic are not written.
//
// Running, Stop and Stats may be called from any goroutine; every other
// method belongs to the filtration goroutine.
type Dumper struct {
	config   DumpConfig
	linkType layers.LinkType
	logger   *slog.Logger
	stdout   io.Writer

	file    *os.File
	buf     *bufio.Writer
	w       *pcapgo.Writer
	name    string
	part    int
	size    int64
	current gopacket.Packet
	written bool // current is already in the file.
	cmds    sync.WaitGroup

	running atomic.Bool
	dumped  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewDumper opens the first output file. linkType must be the link type of
// the packets filtered.
func NewDumper(config DumpConfig, linkType layers.LinkType, logger *slog.Logger) (*Dumper, error) {
	return newDumper(config, linkType, logger, os.Stdout)
}

func newDumper(config DumpConfig, linkType layers.LinkType, logger *slog.Logger, stdout io.Writer) (*Dumper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dumper{
		config:   config,
		linkType: linkType,
		logger:   logger,
		stdout:   stdout,
		name:     config.Path,
	}
	if err := d.open(); err != nil {
		return nil, err
	}
	d.running.Store(true)
	return d, nil
}

func (d *Dumper) open() error {
	out := d.stdout
	if d.name != DumpToStdout {
		f, err := os.Create(d.name)
		if err != nil {
			return fmt.Errorf("cannot create dump file: %w", err)
		}
		d.file = f
		out = f
	}
	d.buf = bufio.NewWriter(out)
	d.w = pcapgo.NewWriter(d.buf)
	if err := d.w.WriteFileHeader(dumpSnapLen, d.linkType); err != nil {
		d.closeFile()
		d.buf = nil
		return fmt.Errorf("cannot write dump file header: %w", err)
	}
	d.size = pcapFileHeaderLen
	d.logger.Info("dumping packets", "file", d.name)
	return nil
}

// closeFile flushes and closes the current file.
func (d *Dumper) closeFile() error {
	err := d.buf.Flush()
	if d.file != nil {
		err = errors.Join(err, d.file.Close())
		d.file = nil
	}
	return err
}

func (d *Dumper) runCommand(name string) {
	args := strings.Fields(d.config.Command)
	if len(args) == 0 {
		return
	}
	cmd := exec.Command(args[0], append(args[1:], name)...)
	if err := cmd.Start(); err != nil {
		d.logger.Error("cannot run dump command", "command", d.config.Command, "file", name, "error", err)
		return
	}
	d.logger.Info("running dump command", "command", d.config.Command, "file", name, "pid", cmd.Process.Pid)
	d.cmds.Add(1)
	go func() {
		defer d.cmds.Done()
		if err := cmd.Wait(); err != nil {
			d.logger.Warn("dump command failed", "command", d.config.Command, "file", name, "error", err)
		}
	}()
}

// rotate moves to the next file when a packet of n bytes would push the
// current one past the size limit. A file always takes at least one packet.
func (d *Dumper) rotate(n int) error {
	next := d.size + pcapRecordLen + int64(n)
	if d.config.SizeLimit == 0 || next <= d.config.SizeLimit || d.size == pcapFileHeaderLen {
		return nil
	}
	if err := d.closeFile(); err != nil {
		return err
	}
	d.runCommand(d.name)
	d.part++
	d.name = fmt.Sprintf("%s-%d", d.config.Path, d.part)
	return d.open()
}

// observe makes p the packet written when a collector takes its bytes.
func (d *Dumper) observe(p gopacket.Packet) {
	d.current = p
	d.written = false
}

func (d *Dumper) dumpCurrent() {
	if d.written || d.current == nil || !d.Running() {
		return
	}
	d.written = true
	data := d.current.Data()
	ci := d.current.Metadata().CaptureInfo
	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}

	err := d.rotate(len(data))
	if err == nil {
		err = d.w.WritePacket(ci, data)
	}
	if err != nil {
		d.logger.Error("cannot dump packet, dumping stopped", "file", d.name, "error", err)
		d.Stop()
		return
	}
	d.size += pcapRecordLen + int64(len(data))
	d.packets.Add(1)
	d.bytes.Add(uint64(len(data)))
	packetsDumped.Inc()
}

func (d *Dumper) collector(*Session) collector {
	return &dumpCollector{d: d}
}

// Running reports whether packets are still dumped.
func (d *Dumper) Running() bool {
	return d.running.Load()
}

// Stop stops dumping. The current file stays open until Close.
func (d *Dumper) Stop() {
	d.running.Store(false)
}

// Stats reports the messages dumped as Published and the packet bytes
// written as Bytes.
func (d *Dumper) Stats() Stats {
	return Stats{
		Published: d.dumped.Load(),
		Bytes:     d.bytes.Load(),
	}
}

// Packets returns the number of packets written.
func (d *Dumper) Packets() uint64 {
	return d.packets.Load()
}

// Close stops dumping, closes the current file and waits for the commands
// started on completed files.
func (d *Dumper) Close() error {
	d.Stop()
	var err error
	if d.buf != nil {
		err = d.closeFile()
		d.buf = nil
		d.runCommand(d.name)
	}
	d.cmds.Wait()
	return err
}

// dumpCollector writes the packets of one message instead of building a
// record.
type dumpCollector struct {
	d      *Dumper
	active bool
}

func (c *dumpCollector) Allocate() bool {
	c.active = c.d.Running()
	return c.active
}

func (c *dumpCollector) Active() bool { return c.active }

func (c *dumpCollector) Append(p []byte) {
	if c.active && len(p) > 0 {
		c.d.dumpCurrent()
	}
}

func (c *dumpCollector) SkipFirst(int) {}
func (c *dumpCollector) Resize(int)    {}
func (c *dumpCollector) SetMsgLen(int) {}

func (c *dumpCollector) Complete(time.Time, Direction) {
	if !c.active {
		return
	}
	c.active = false
	c.d.dumped.Add(1)
}

func (c *dumpCollector) Discard() {
	c.active = false
}
