package agent

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/fentz26/ninjateam/internal/models"
)

// highMemMB is the memory size from which a host is tagged high-mem.
const highMemMB = 32 * 1024

// toolchain lists the build tools reported in health responses.
var toolchain = []string{"ninja", "ccache", "gcc", "g++", "clang", "cmake", "make"}

// HostInfo describes the machine an agent runs on.
type HostInfo struct {
	Name         string
	Cores        int
	MemoryMB     int
	Tools        map[string]string
	Capabilities []string
}

// Detector scans the machine for build tools and hardware.
type Detector struct {
	lookPath    func(string) (string, error)
	version     func(path string) string
	meminfoPath string
}

// NewDetector creates a new toolchain detector.
func NewDetector() *Detector {
	return &Detector{
		lookPath:    exec.LookPath,
		version:     func(path string) string { return getCommandVersion(path, "--version") },
		meminfoPath: "/proc/meminfo",
	}
}

// Scan detects the host's tools and derives capability tags. extra tags are
// merged in, deduplicated and sorted.
func (d *Detector) Scan(extra []string) HostInfo {
	info := HostInfo{
		Cores:    runtime.NumCPU(),
		MemoryMB: d.memoryMB(),
		Tools:    make(map[string]string),
	}
	if name, err := os.Hostname(); err == nil {
		info.Name = name
	}

	for _, tool := range toolchain {
		if path, err := d.lookPath(tool); err == nil {
			info.Tools[tool] = d.version(path)
		}
	}

	tags := make(map[string]bool)
	for _, t := range extra {
		if t = strings.TrimSpace(t); t != "" {
			tags[t] = true
		}
	}
	if _, err := d.lookPath("nvidia-smi"); err == nil {
		tags["gpu"] = true
	}
	if info.MemoryMB >= highMemMB {
		tags["high-mem"] = true
	}
	for t := range tags {
		info.Capabilities = append(info.Capabilities, t)
	}
	info.Capabilities = models.SortedCopy(info.Capabilities)
	return info
}

// memoryMB reads MemTotal from /proc/meminfo; 0 when unavailable.
func (d *Detector) memoryMB() int {
	f, err := os.Open(d.meminfoPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}

func getCommandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	// Limit length
	if len(version) > 60 {
		version = version[:60]
	}
	return version
}
