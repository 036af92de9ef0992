package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// portsFlag is a pflag.Value holding a comma-separated list of TCP/UDP ports.
type portsFlag []uint16

var _ pflag.Value = (*portsFlag)(nil)

func (pf *portsFlag) String() string {
	s := make([]string, len(*pf))
	for i, p := range *pf {
		s[i] = strconv.Itoa(int(p))
	}
	return strings.Join(s, ",")
}

// Set implements pflag.Value.
func (pf *portsFlag) Set(v string) error {
	var ports []uint16
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.ParseUint(f, 10, 16)
		if err != nil || p == 0 {
			return errors.Errorf("invalid port: %q", f)
		}
		ports = append(ports, uint16(p))
	}
	*pf = ports
	return nil
}

// Type implements pflag.Value.
func (pf *portsFlag) Type() string { return "ports" }

// Modes of operation.
const (
	modeLive  = "live"  // Analyze a live interface.
	modeStat  = "stat"  // Analyze a capture file.
	modeDump  = "dump"  // Dump traced packets of a live interface.
	modeDrain = "drain" // Dump traced packets of a capture file.
)

// modeFlag is a pflag.Value selecting the mode of operation. When unset the
// mode follows the capture source: stat for -r, live for -i.
type modeFlag string

var _ pflag.Value = (*modeFlag)(nil)

func (m *modeFlag) String() string { return string(*m) }

// Set implements pflag.Value.
func (m *modeFlag) Set(v string) error {
	switch v {
	case modeLive, modeStat, modeDump, modeDrain:
		*m = modeFlag(v)
		return nil
	default:
		return errors.Errorf("invalid mode %q, want live, stat, dump or drain", v)
	}
}

// Type implements pflag.Value.
func (m *modeFlag) Type() string { return "mode" }

// resolve returns the mode to run given the capture file and interface flags.
func (m modeFlag) resolve(file, iface string) (string, error) {
	mode := string(m)
	if mode == "" {
		switch {
		case file != "":
			mode = modeStat
		case iface != "":
			mode = modeLive
		default:
			return "", errors.New("either -r or -i is required")
		}
	}
	switch mode {
	case modeStat, modeDrain:
		if file == "" {
			return "", errors.Errorf("%s mode reads a capture file, -r is required", mode)
		}
	case modeLive, modeDump:
		if iface == "" {
			return "", errors.Errorf("%s mode captures from an interface, -i is required", mode)
		}
		if file != "" {
			return "", errors.Errorf("%s mode does not read capture files, drop -r", mode)
		}
	}
	return mode, nil
}

// dumps reports whether mode writes packets instead of analyzing them.
func dumps(mode string) bool {
	return mode == modeDump || mode == modeDrain
}
