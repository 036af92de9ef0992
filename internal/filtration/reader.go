package filtration

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader is a source of captured packets.
type Reader struct {
	source   gopacket.PacketDataSource
	linkType layers.LinkType
	closer   io.Closer
}

// OpenFile opens a capture file in pcap or pcapng format.
func OpenFile(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open capture file")
	}
	r, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "cannot read capture file %q", path)
	}
	r.closer = file
	return r, nil
}

// NewReader reads packets in pcap or pcapng format from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, errors.Wrap(err, "cannot read capture header")
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, errors.Wrap(err, "invalid pcapng header")
		}
		return &Reader{source: ng, linkType: ng.LinkType()}, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pcap header")
	}
	return &Reader{source: pr, linkType: pr.LinkType()}, nil
}

// Packets returns a channel of decoded packets, closed when the source is exhausted.
func (r *Reader) Packets() <-chan gopacket.Packet {
	ps := gopacket.NewPacketSource(r.source, r.linkType)
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return ps.Packets()
}

func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
