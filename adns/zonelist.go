/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/dchest/safefile"
	"gopkg.in/yaml.v3"
)

// ZoneListEntry is one record of the zone list file:
//
//	zone <apex-name> <zone-file-path> [masters <ip>...] [notify <ip>...]
type ZoneListEntry struct {
	Name    string
	File    string
	Masters []string // host:port
	Notify  []string // host:port
}

func (e *ZoneListEntry) Type() ZoneType {
	if len(e.Masters) > 0 {
		return Secondary
	}
	return Primary
}

// ReadZoneList parses the zone list file at path.
func ReadZoneList(path string) ([]ZoneListEntry, error) {
	if isYamlPath(path) {
		return readZoneListYaml(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open zone list %s: %v", path, err)
	}
	defer f.Close()
	entries, err := ParseZoneList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return entries, nil
}

func isYamlPath(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// zoneListYaml is the YAML form of the zone list, keyed by apex name:
//
//	zones:
//	  example.com.:
//	    file: /var/zones/example.com
//	    masters: [ 10.1.2.3, 10.1.2.4@5300 ]
type zoneListYaml struct {
	Zones map[string]zoneListYamlEntry `yaml:"zones"`
}

type zoneListYamlEntry struct {
	File    string   `yaml:"file"`
	Masters []string `yaml:"masters,omitempty"`
	Notify  []string `yaml:"notify,omitempty"`
}

func readZoneListYaml(path string) ([]ZoneListEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open zone list %s: %v", path, err)
	}
	var zl zoneListYaml
	if err := yaml.Unmarshal(data, &zl); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	names := make([]string, 0, len(zl.Zones))
	for name := range zl.Zones {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []ZoneListEntry
	for _, name := range names {
		zc := zl.Zones[name]
		if zc.File == "" {
			return nil, fmt.Errorf("%s: zone %s: no zone file given", path, name)
		}
		e := ZoneListEntry{Name: CanonicalName(name), File: zc.File}
		for _, m := range zc.Masters {
			addr, err := normalizeAddr(m)
			if err != nil {
				return nil, fmt.Errorf("%s: zone %s: %v", path, name, err)
			}
			e.Masters = append(e.Masters, addr)
		}
		for _, n := range zc.Notify {
			addr, err := normalizeAddr(n)
			if err != nil {
				return nil, fmt.Errorf("%s: zone %s: %v", path, name, err)
			}
			e.Notify = append(e.Notify, addr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ParseZoneList reads zone records one per line. Comments run from ';'
// to end of line.
func ParseZoneList(r io.Reader) ([]ZoneListEntry, error) {
	var entries []ZoneListEntry
	seen := map[string]bool{}

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] != "zone" {
			return nil, fmt.Errorf("line %d: expected 'zone', got %q", lineno, fields[0])
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: zone needs a name and a file", lineno)
		}
		e := ZoneListEntry{
			Name: CanonicalName(fields[1]),
			File: fields[2],
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("line %d: duplicate zone %s", lineno, e.Name)
		}
		seen[e.Name] = true

		var sink *[]string
		for _, tok := range fields[3:] {
			switch tok {
			case "masters":
				sink = &e.Masters
			case "notify":
				sink = &e.Notify
			default:
				if sink == nil {
					return nil, fmt.Errorf("line %d: unexpected token %q", lineno, tok)
				}
				addr, err := normalizeAddr(tok)
				if err != nil {
					return nil, fmt.Errorf("line %d: %v", lineno, err)
				}
				*sink = append(*sink, addr)
			}
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Line renders the entry in zone list syntax.
func (e *ZoneListEntry) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zone %s %s", e.Name, e.File)
	if len(e.Masters) > 0 {
		b.WriteString(" masters")
		for _, m := range e.Masters {
			b.WriteString(" " + listAddr(m))
		}
	}
	if len(e.Notify) > 0 {
		b.WriteString(" notify")
		for _, n := range e.Notify {
			b.WriteString(" " + listAddr(n))
		}
	}
	return b.String()
}

// listAddr renders host:port back into the list file's ip@port form,
// dropping the default port.
func listAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if port == "53" {
		return host
	}
	return host + "@" + port
}

// WriteZoneList rewrites the zone list file atomically. Comments from
// the previous file are not preserved.
func WriteZoneList(path string, entries []ZoneListEntry) error {
	if isYamlPath(path) {
		return writeZoneListYaml(path, entries)
	}
	f, err := safefile.Create(path, 0644)
	if err != nil {
		return fmt.Errorf("cannot write zone list %s: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i := range entries {
		fmt.Fprintln(w, entries[i].Line())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Commit()
}

func writeZoneListYaml(path string, entries []ZoneListEntry) error {
	zl := zoneListYaml{Zones: map[string]zoneListYamlEntry{}}
	for i := range entries {
		e := &entries[i]
		ye := zoneListYamlEntry{File: e.File}
		for _, m := range e.Masters {
			ye.Masters = append(ye.Masters, listAddr(m))
		}
		for _, n := range e.Notify {
			ye.Notify = append(ye.Notify, listAddr(n))
		}
		zl.Zones[e.Name] = ye
	}
	data, err := yaml.Marshal(&zl)
	if err != nil {
		return err
	}
	return safefile.WriteFile(path, data, 0644)
}

// normalizeAddr turns "ip" or "ip@port" into host:port with port 53 as
// the default.
func normalizeAddr(s string) (string, error) {
	host, port := s, "53"
	if i := strings.IndexByte(s, '@'); i >= 0 {
		host, port = s[:i], s[i+1:]
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("bad address %q", s)
	}
	return net.JoinHostPort(host, port), nil
}

// ParseTTL understands the zone file time notation: plain seconds or
// groups with s/m/h/d/w unit suffixes, e.g. "1h30m" or "2w".
func ParseTTL(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty ttl")
	}
	var total, cur uint64
	sawDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + uint64(c-'0')
			sawDigit = true
		default:
			if !sawDigit {
				return 0, fmt.Errorf("bad ttl %q", s)
			}
			var mul uint64
			switch c {
			case 's', 'S':
				mul = 1
			case 'm', 'M':
				mul = 60
			case 'h', 'H':
				mul = 3600
			case 'd', 'D':
				mul = 86400
			case 'w', 'W':
				mul = 7 * 86400
			default:
				return 0, fmt.Errorf("bad ttl unit %q in %q", string(c), s)
			}
			total += cur * mul
			cur = 0
			sawDigit = false
		}
	}
	total += cur
	if total > 0xffffffff {
		return 0, fmt.Errorf("ttl %q does not fit in 32 bits", s)
	}
	return uint32(total), nil
}
