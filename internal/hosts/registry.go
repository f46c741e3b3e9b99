// Package hosts parses the hosts file into the build host registry.
package hosts

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fentz26/ninjateam/internal/models"
)

// ParseError reports a malformed hosts file line.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// Registry is the ordered, deduplicated set of hosts for a session.
type Registry struct {
	hosts []models.HostRecord
}

// NewRegistry builds a registry from records, dropping later duplicates.
func NewRegistry(records []models.HostRecord) *Registry {
	r := &Registry{}
	seen := make(map[string]bool, len(records))
	for _, h := range records {
		key := strings.ToLower(h.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		r.hosts = append(r.hosts, h)
	}
	return r
}

// Load reads a hosts file. Each non-blank, non-comment line is
// `address [port] [cap1,cap2,...]`.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hosts file: %w", err)
	}
	defer f.Close()
	return Parse(path, f)
}

// Parse reads hosts from r; name is used in error messages.
func Parse(name string, r io.Reader) (*Registry, error) {
	var records []models.HostRecord

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Path: name, Line: lineNo, Msg: err.Error()}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}

	return NewRegistry(records), nil
}

func parseLine(line string) (models.HostRecord, error) {
	fields := strings.Fields(line)
	if len(fields) > 3 {
		return models.HostRecord{}, fmt.Errorf("too many fields (%d), want `address [port] [capabilities]`", len(fields))
	}

	rec := models.HostRecord{Address: fields[0], Port: models.DefaultPort}
	if strings.ContainsAny(rec.Address, ",/") {
		return models.HostRecord{}, fmt.Errorf("invalid address %q", rec.Address)
	}

	rest := fields[1:]
	if len(rest) > 0 {
		if port, err := strconv.Atoi(rest[0]); err == nil {
			if port < 1 || port > 65535 {
				return models.HostRecord{}, fmt.Errorf("port %d out of range", port)
			}
			rec.Port = port
			rest = rest[1:]
		} else if len(rest) == 2 {
			return models.HostRecord{}, fmt.Errorf("invalid port %q", rest[0])
		}
	}

	if len(rest) == 1 {
		for _, tag := range strings.Split(rest[0], ",") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				return models.HostRecord{}, fmt.Errorf("empty capability in %q", rest[0])
			}
			rec.Capabilities = append(rec.Capabilities, tag)
		}
	}
	return rec, nil
}

// Hosts returns the registered hosts in file order.
func (r *Registry) Hosts() []models.HostRecord {
	return append([]models.HostRecord(nil), r.hosts...)
}

// Len returns the number of registered hosts.
func (r *Registry) Len() int {
	return len(r.hosts)
}

// Contains reports whether address is registered.
func (r *Registry) Contains(address string) bool {
	for _, h := range r.hosts {
		if strings.EqualFold(h.Address, address) {
			return true
		}
	}
	return false
}

// EnsureLocal prepends a loopback record when no loopback host is registered.
func (r *Registry) EnsureLocal() {
	for _, h := range r.hosts {
		if h.IsLoopback() {
			return
		}
	}
	r.hosts = append([]models.HostRecord{{Address: "localhost", Port: models.DefaultPort}}, r.hosts...)
}

// CapAt truncates the registry to maxCount entries, keeping file order, and
// returns the dropped records.
func (r *Registry) CapAt(maxCount int, logger *slog.Logger) []models.HostRecord {
	if maxCount < 0 || len(r.hosts) <= maxCount {
		return nil
	}
	dropped := append([]models.HostRecord(nil), r.hosts[maxCount:]...)
	r.hosts = r.hosts[:maxCount]
	if logger != nil {
		for _, h := range dropped {
			logger.Warn("host dropped by max agent cap", "host", h.Address, "max_agents", maxCount)
		}
	}
	return dropped
}
