// Package hostmetrics samples host CPU, memory and network state for the
// request log. Every section of a Snapshot carries its own error so one
// missing source never hides the others.
package hostmetrics

import (
	"context"
	"errors"
	"time"
)

// Interface classes reported in NetworkStats.Type.
const (
	TypeWiFi     = "WiFi"
	TypeEthernet = "Ethernet"
	TypeOther    = "Other"
)

var (
	// ErrUnavailable marks a section the platform cannot provide.
	ErrUnavailable = errors.New("hostmetrics: unavailable")
	// ErrNoInterface means no up, non-loopback interface with IPv4 was found.
	ErrNoInterface = errors.New("hostmetrics: no active IPv4 interface")
)

// Source produces host snapshots. Implementations must be safe for
// concurrent use.
type Source interface {
	Snapshot(ctx context.Context) Snapshot
}

// ProcessMemory is implemented by sources that can report the resident set
// size of the current process.
type ProcessMemory interface {
	ResidentMemory() (uint64, error)
}

// Snapshot is one reading of the host.
type Snapshot struct {
	Taken   time.Time
	CPU     CPUStats
	Memory  MemoryStats
	Network NetworkStats
}

// CPUStats holds host CPU utilisation in percent.
type CPUStats struct {
	Percent float64
	Err     error
}

// MemoryStats holds host memory totals in bytes.
type MemoryStats struct {
	Total     uint64
	Used      uint64
	Available uint64
	Percent   float64
	Err       error
}

// NetworkStats describes the primary interface.
type NetworkStats struct {
	Interface string
	Type      string
	IP        string
	Netmask   string
	Active    bool
	Err       error

	// Cumulative counters; CountersErr is set when they could not be read
	// even though the interface itself was found.
	BytesSent   uint64
	BytesRecv   uint64
	CountersErr error
}

// Unavailable is the Source for platforms without a metrics backend.
type Unavailable struct{}

// Snapshot returns a snapshot with every section marked unavailable.
func (Unavailable) Snapshot(context.Context) Snapshot {
	return Snapshot{
		Taken:   time.Now(),
		CPU:     CPUStats{Err: ErrUnavailable},
		Memory:  MemoryStats{Err: ErrUnavailable},
		Network: NetworkStats{Err: ErrUnavailable, CountersErr: ErrUnavailable},
	}
}

// ResidentMemory always fails.
func (Unavailable) ResidentMemory() (uint64, error) {
	return 0, ErrUnavailable
}
