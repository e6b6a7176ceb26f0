package hosts

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Entry is one worker line in the cluster hosts file
type Entry struct {
	InstanceID string
	IP         string
	Hostname   string
	Alias      string
}

// Table is the cluster host-name table shared with the job scheduler. It is
// rendered to an /etc/hosts style file and served over DNS.
type Table struct {
	mu      sync.RWMutex
	domain  string
	master  Entry
	entries map[string]Entry
}

// NewTable creates a table whose names also resolve under domain
func NewTable(domain string) *Table {
	return &Table{
		domain:  strings.Trim(domain, "."),
		entries: make(map[string]Entry),
	}
}

// SetMaster records the control-plane host, which always renders first
func (t *Table) SetMaster(ip, hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.master = newEntry("master", ip, hostname)
}

// Add records or replaces the entry for instanceID
func (t *Table) Add(instanceID, ip, hostname string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP %q for %s", ip, instanceID)
	}
	if hostname == "" {
		return fmt.Errorf("hostname is required for %s", instanceID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[instanceID] = newEntry(instanceID, ip, hostname)
	return nil
}

func newEntry(instanceID, ip, hostname string) Entry {
	e := Entry{InstanceID: instanceID, IP: ip, Hostname: hostname}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		e.Alias = hostname[:i]
	}
	return e
}

// Remove drops the entry for instanceID
func (t *Table) Remove(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, instanceID)
}

// Lookup resolves a hostname, short alias or "<name>.<domain>" to an IP
func (t *Table) Lookup(name string) (net.IP, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if t.domain != "" {
		name = strings.TrimSuffix(name, "."+t.domain)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.all() {
		if strings.EqualFold(e.Hostname, name) || (e.Alias != "" && strings.EqualFold(e.Alias, name)) {
			return net.ParseIP(e.IP), true
		}
	}
	return nil, false
}

// Entries returns worker entries sorted by IP
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// all must be called with t.mu held
func (t *Table) all() []Entry {
	out := make([]Entry, 0, len(t.entries)+1)
	if t.master.IP != "" {
		out = append(out, t.master)
	}
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Render returns the table in /etc/hosts format
func (t *Table) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("127.0.0.1\tlocalhost\n")

	t.mu.RLock()
	master := t.master
	t.mu.RUnlock()

	for _, e := range append([]Entry{master}, t.Entries()...) {
		if e.IP == "" {
			continue
		}
		line := e.IP + "\t" + e.Hostname
		if e.Alias != "" {
			line += " " + e.Alias
		}
		buf.WriteString(line + "\n")
	}
	return buf.Bytes()
}

// WriteFile atomically replaces path with the rendered table
func (t *Table) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".hosts-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(t.Render()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
