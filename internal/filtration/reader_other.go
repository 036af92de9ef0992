//go:build !linux

package filtration

import (
	"github.com/pkg/errors"
)

// OpenInterface captures packets from a network interface.
// Live capture is only supported on Linux.
func OpenInterface(name string) (*Reader, error) {
	return nil, errors.Errorf("cannot capture on interface %q: live capture requires linux", name)
}
