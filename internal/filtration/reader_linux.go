package filtration

import (
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenInterface captures packets from a network interface.
func OpenInterface(name string) (*Reader, error) {
	h, err := pcapgo.NewEthernetHandle(name)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot capture on interface %q", name)
	}
	closer := closerFunc(func() error {
		h.Close()
		return nil
	})
	return &Reader{source: h, linkType: layers.LinkTypeEthernet, closer: closer}, nil
}
