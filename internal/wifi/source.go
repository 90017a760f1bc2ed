// Package wifi reads the received signal strength of a wireless link.
package wifi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultProcPath is where Linux publishes per-interface wireless stats.
const DefaultProcPath = "/proc/net/wireless"

// ProcSource reads link signal level, in dBm, from /proc/net/wireless.
// When Interface is empty the first listed interface is used.
type ProcSource struct {
	Path      string
	Interface string
}

// NewProcSource returns a source for iface reading path. An empty path
// selects [DefaultProcPath].
func NewProcSource(path, iface string) *ProcSource {
	if path == "" {
		path = DefaultProcPath
	}
	return &ProcSource{Path: path, Interface: iface}
}

// Read returns the current signal level. ok is false when the interface
// is not associated or not listed, which is the normal state of a
// disconnected radio.
func (p *ProcSource) Read() (int64, bool, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open %s: %w", p.Path, err)
	}
	defer f.Close()

	return parseWireless(f, p.Interface)
}

// parseWireless extracts the level column for iface from the
// /proc/net/wireless table.
func parseWireless(r io.Reader, iface string) (int64, bool, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		// The two header lines contain "|" and never a bare name.
		if name == "" || strings.ContainsAny(name, "| ") {
			continue
		}
		if iface != "" && name != iface {
			continue
		}

		// status, link, level, noise, ...
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, false, fmt.Errorf("wireless %s: short line %q", name, sc.Text())
		}
		level, err := parseLevel(fields[2])
		if err != nil {
			return 0, false, fmt.Errorf("wireless %s: %w", name, err)
		}
		return level, true, nil
	}
	if err := sc.Err(); err != nil {
		return 0, false, fmt.Errorf("read wireless stats: %w", err)
	}
	return 0, false, nil
}

// parseLevel parses "-56." style values. Drivers reporting an unsigned
// byte encode negative dBm as 256+level.
func parseLevel(s string) (int64, error) {
	s = strings.TrimSuffix(s, ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse level %q: %w", s, err)
	}
	level := int64(v)
	if level > 63 {
		level -= 256
	}
	return level, nil
}

// Static is a source that always reports the same value. It is used
// for demos and on hosts without a wireless radio.
type Static struct {
	Value int64
}

// Read implements the metric source contract.
func (s Static) Read() (int64, bool, error) {
	return s.Value, true, nil
}

// Func adapts a function to a metric source.
type Func func() (int64, bool, error)

// Read calls f.
func (f Func) Read() (int64, bool, error) {
	return f()
}
