package hostmetrics

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// cpuTimes is the part of /proc/stat we need, in seconds.
type cpuTimes struct {
	busy  float64
	total float64
}

func cpuTimesFrom(s procfs.CPUStat) cpuTimes {
	idle := s.Idle + s.Iowait
	busy := s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	return cpuTimes{busy: busy, total: busy + idle}
}

// ProcSource reads the host through procfs and net.Interfaces.
//
// CPU percent is the busy share between the previous reading and this one.
// The previous reading is the only shared state and sits behind mu, which is
// never held across I/O or sleeps.
type ProcSource struct {
	// sampleWindow is how long the first call waits to get a baseline.
	sampleWindow time.Duration

	readCPU    func() (cpuTimes, error)
	readMemory func() (MemoryStats, error)
	readNetDev func() (map[string]counters, error)
	readRSS    func() (uint64, error)
	interfaces func() ([]iface, error)

	mu          sync.Mutex
	prev        *cpuTimes
	lastPercent float64
}

type counters struct {
	sent, recv uint64
}

// NewProcSource opens procfs at mountPoint (procfs.DefaultMountPoint when
// empty). A missing procfs is not an error: the source then reports every
// section as unavailable, which is what non-Linux hosts get.
func NewProcSource(mountPoint string) *ProcSource {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	s := &ProcSource{
		sampleWindow: 100 * time.Millisecond,
		interfaces:   systemInterfaces,
	}

	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		unavailable := fmt.Errorf("%w: procfs at %s: %v", ErrUnavailable, mountPoint, err)
		s.readCPU = func() (cpuTimes, error) { return cpuTimes{}, unavailable }
		s.readMemory = func() (MemoryStats, error) { return MemoryStats{}, unavailable }
		s.readNetDev = func() (map[string]counters, error) { return nil, unavailable }
		s.readRSS = func() (uint64, error) { return 0, unavailable }
		return s
	}

	s.readCPU = func() (cpuTimes, error) {
		st, err := fs.Stat()
		if err != nil {
			return cpuTimes{}, fmt.Errorf("read cpu stat: %w", err)
		}
		return cpuTimesFrom(st.CPUTotal), nil
	}
	s.readMemory = func() (MemoryStats, error) {
		mi, err := fs.Meminfo()
		if err != nil {
			return MemoryStats{}, fmt.Errorf("read meminfo: %w", err)
		}
		return memoryFrom(mi)
	}
	s.readNetDev = func() (map[string]counters, error) {
		nd, err := fs.NetDev()
		if err != nil {
			return nil, fmt.Errorf("read net dev: %w", err)
		}
		out := make(map[string]counters, len(nd))
		for name, line := range nd {
			out[name] = counters{sent: line.TxBytes, recv: line.RxBytes}
		}
		return out, nil
	}
	s.readRSS = func() (uint64, error) {
		self, err := fs.Self()
		if err != nil {
			return 0, fmt.Errorf("read self: %w", err)
		}
		st, err := self.Stat()
		if err != nil {
			return 0, fmt.Errorf("read self stat: %w", err)
		}
		return uint64(st.ResidentMemory()), nil
	}
	return s
}

func memoryFrom(mi procfs.Meminfo) (MemoryStats, error) {
	if mi.MemTotal == nil {
		return MemoryStats{}, fmt.Errorf("%w: MemTotal missing", ErrUnavailable)
	}
	total := *mi.MemTotal * 1024

	var avail uint64
	switch {
	case mi.MemAvailable != nil:
		avail = *mi.MemAvailable * 1024
	case mi.MemFree != nil:
		// Kernels before 3.14 have no MemAvailable.
		avail = *mi.MemFree
		if mi.Buffers != nil {
			avail += *mi.Buffers
		}
		if mi.Cached != nil {
			avail += *mi.Cached
		}
		avail *= 1024
	default:
		return MemoryStats{}, fmt.Errorf("%w: MemAvailable missing", ErrUnavailable)
	}
	if avail > total {
		avail = total
	}

	m := MemoryStats{Total: total, Available: avail, Used: total - avail}
	if total > 0 {
		m.Percent = float64(m.Used) / float64(total) * 100
	}
	return m, nil
}

// Snapshot implements Source.
func (s *ProcSource) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Taken: time.Now()}
	snap.CPU = s.cpu(ctx)

	if mem, err := s.readMemory(); err != nil {
		snap.Memory = MemoryStats{Err: err}
	} else {
		snap.Memory = mem
	}

	snap.Network = s.network()
	return snap
}

// ResidentMemory implements ProcessMemory.
func (s *ProcSource) ResidentMemory() (uint64, error) {
	return s.readRSS()
}

func (s *ProcSource) cpu(ctx context.Context) CPUStats {
	cur, err := s.readCPU()
	if err != nil {
		return CPUStats{Err: err}
	}
	if pct, ok := s.advance(cur); ok {
		return CPUStats{Percent: pct}
	}

	// First reading: wait one window for a baseline.
	t := time.NewTimer(s.sampleWindow)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return CPUStats{Err: ctx.Err()}
	}

	next, err := s.readCPU()
	if err != nil {
		return CPUStats{Err: err}
	}
	pct, _ := s.advance(next)
	return CPUStats{Percent: pct}
}

// advance moves the baseline to cur and returns the busy percent since the
// previous baseline. With no baseline it stores cur and returns false. When
// no time has elapsed between the two readings the baseline is kept and the
// last computed percent is returned.
func (s *ProcSource) advance(cur cpuTimes) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prev == nil {
		s.prev = &cur
		return 0, false
	}
	dt := cur.total - s.prev.total
	if dt <= 0 {
		return s.lastPercent, true
	}
	db := cur.busy - s.prev.busy
	pct := db / dt * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.prev = &cur
	s.lastPercent = pct
	return pct, true
}

func (s *ProcSource) network() NetworkStats {
	ifaces, err := s.interfaces()
	if err != nil {
		return NetworkStats{Err: fmt.Errorf("list interfaces: %w", err)}
	}
	primary, ok := selectPrimary(ifaces)
	if !ok {
		return NetworkStats{Err: ErrNoInterface}
	}

	ns := NetworkStats{
		Interface: primary.name,
		Type:      Classify(primary.name),
		IP:        primary.ip.String(),
		Netmask:   net.IP(primary.mask).String(),
		Active:    primary.up && primary.running,
	}

	devs, err := s.readNetDev()
	if err != nil {
		ns.CountersErr = err
		return ns
	}
	c, found := devs[primary.name]
	if !found {
		ns.CountersErr = fmt.Errorf("%w: no counters for %s", ErrUnavailable, primary.name)
		return ns
	}
	ns.BytesSent, ns.BytesRecv = c.sent, c.recv
	return ns
}
