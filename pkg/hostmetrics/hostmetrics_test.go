package hostmetrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProc builds a ProcSource with scripted readers.
func fakeProc(cpu []cpuTimes) (*ProcSource, *atomic.Int32) {
	var calls atomic.Int32
	var mu sync.Mutex
	idx := 0
	s := &ProcSource{
		sampleWindow: time.Millisecond,
		readCPU: func() (cpuTimes, error) {
			calls.Add(1)
			mu.Lock()
			defer mu.Unlock()
			c := cpu[idx]
			if idx < len(cpu)-1 {
				idx++
			}
			return c, nil
		},
		readMemory: func() (MemoryStats, error) {
			return MemoryStats{Total: 8 << 30, Used: 2 << 30, Available: 6 << 30, Percent: 25}, nil
		},
		readNetDev: func() (map[string]counters, error) {
			return map[string]counters{"eth0": {sent: 1000, recv: 2000}}, nil
		},
		readRSS: func() (uint64, error) { return 64 << 20, nil },
		interfaces: func() ([]iface, error) {
			return []iface{
				{name: "lo", up: true, running: true, loopback: true, ip: net.IPv4(127, 0, 0, 1).To4(), mask: net.CIDRMask(8, 32)},
				{name: "eth0", up: true, running: true, ip: net.IPv4(10, 0, 0, 5).To4(), mask: net.CIDRMask(24, 32)},
			}, nil
		},
	}
	return s, &calls
}

func TestProcSourceSnapshot(t *testing.T) {
	s, _ := fakeProc([]cpuTimes{
		{busy: 10, total: 100},
		{busy: 35, total: 200},
	})

	snap := s.Snapshot(context.Background())

	if snap.CPU.Err != nil {
		t.Fatalf("cpu err: %v", snap.CPU.Err)
	}
	if snap.CPU.Percent != 25 {
		t.Errorf("cpu = %v, want 25", snap.CPU.Percent)
	}
	if snap.Memory.Percent != 25 || snap.Memory.Total != 8<<30 {
		t.Errorf("memory = %+v", snap.Memory)
	}

	n := snap.Network
	if n.Err != nil || n.CountersErr != nil {
		t.Fatalf("network errs: %v / %v", n.Err, n.CountersErr)
	}
	if n.Interface != "eth0" || n.Type != TypeEthernet || n.IP != "10.0.0.5" || n.Netmask != "255.255.255.0" {
		t.Errorf("network = %+v", n)
	}
	if !n.Active || n.BytesSent != 1000 || n.BytesRecv != 2000 {
		t.Errorf("network counters = %+v", n)
	}
}

func TestProcSourceSuccessiveSnapshotsAreFresh(t *testing.T) {
	s, calls := fakeProc([]cpuTimes{
		{busy: 0, total: 100},
		{busy: 50, total: 200},
		{busy: 60, total: 300},
	})

	first := s.Snapshot(context.Background())
	before := calls.Load()
	second := s.Snapshot(context.Background())

	if calls.Load() == before {
		t.Fatal("second snapshot reused the first reading")
	}
	if first.CPU.Percent != 50 || second.CPU.Percent != 10 {
		t.Errorf("cpu = %v then %v, want 50 then 10", first.CPU.Percent, second.CPU.Percent)
	}
}

func TestProcSourceZeroElapsedKeepsLastPercent(t *testing.T) {
	s, _ := fakeProc([]cpuTimes{
		{busy: 0, total: 100},
		{busy: 40, total: 200},
		{busy: 40, total: 200},
	})

	first := s.Snapshot(context.Background())
	second := s.Snapshot(context.Background())
	if second.CPU.Percent != first.CPU.Percent {
		t.Errorf("cpu = %v, want last value %v", second.CPU.Percent, first.CPU.Percent)
	}
}

func TestProcSourceFailuresAreSectioned(t *testing.T) {
	s, _ := fakeProc([]cpuTimes{{}})
	boom := errors.New("permission denied")
	s.readCPU = func() (cpuTimes, error) { return cpuTimes{}, boom }
	s.readNetDev = func() (map[string]counters, error) { return nil, boom }

	snap := s.Snapshot(context.Background())
	if !errors.Is(snap.CPU.Err, boom) {
		t.Errorf("cpu err = %v", snap.CPU.Err)
	}
	if snap.Memory.Err != nil {
		t.Errorf("memory should still be read: %v", snap.Memory.Err)
	}
	if snap.Network.Err != nil || !errors.Is(snap.Network.CountersErr, boom) {
		t.Errorf("network = %+v", snap.Network)
	}
	if snap.Network.Interface != "eth0" {
		t.Errorf("interface lost on counter failure: %q", snap.Network.Interface)
	}
}

func TestProcSourceCancelledDuringBaseline(t *testing.T) {
	s, _ := fakeProc([]cpuTimes{{busy: 1, total: 10}})
	s.sampleWindow = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := s.Snapshot(ctx)
	if !errors.Is(snap.CPU.Err, context.Canceled) {
		t.Errorf("cpu err = %v, want context.Canceled", snap.CPU.Err)
	}
}

func TestProcSourceMissingProcfs(t *testing.T) {
	s := NewProcSource(t.TempDir() + "/nope")
	s.interfaces = func() ([]iface, error) { return nil, nil }

	snap := s.Snapshot(context.Background())
	if !errors.Is(snap.CPU.Err, ErrUnavailable) || !errors.Is(snap.Memory.Err, ErrUnavailable) {
		t.Errorf("snapshot = %+v", snap)
	}
	if !errors.Is(snap.Network.Err, ErrNoInterface) {
		t.Errorf("network err = %v", snap.Network.Err)
	}
	if _, err := s.ResidentMemory(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("rss err = %v", err)
	}
}

func TestSelectPrimary(t *testing.T) {
	ip := net.IPv4(192, 168, 1, 2).To4()
	tests := []struct {
		name   string
		ifaces []iface
		want   string
		found  bool
	}{
		{
			name: "wifi preferred over ethernet",
			ifaces: []iface{
				{name: "eth0", up: true, ip: ip},
				{name: "wlan0", up: true, ip: ip},
			},
			want: "wlan0", found: true,
		},
		{
			name: "ethernet preferred over other",
			ifaces: []iface{
				{name: "docker0", up: true, ip: ip},
				{name: "enp3s0", up: true, ip: ip},
			},
			want: "enp3s0", found: true,
		},
		{
			name: "down and addressless skipped",
			ifaces: []iface{
				{name: "wlan0", up: false, ip: ip},
				{name: "eth0", up: true},
				{name: "tun0", up: true, ip: ip},
			},
			want: "tun0", found: true,
		},
		{
			name:   "loopback only",
			ifaces: []iface{{name: "lo", up: true, loopback: true, ip: ip}},
			found:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectPrimary(tt.ifaces)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && got.name != tt.want {
				t.Errorf("selected %q, want %q", got.name, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]string{
		"wlan0":        TypeWiFi,
		"wlp2s0":       TypeWiFi,
		"Wi-Fi":        TypeWiFi,
		"Wireless LAN": TypeWiFi,
		"eth0":         TypeEthernet,
		"enp0s31f6":    TypeEthernet,
		"Ethernet 2":   TypeEthernet,
		"docker0":      TypeOther,
		"tun0":         TypeOther,
	}
	for name, want := range tests {
		if got := Classify(name); got != want {
			t.Errorf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

type countingSource struct{ n atomic.Int32 }

func (c *countingSource) Snapshot(context.Context) Snapshot {
	c.n.Add(1)
	return Snapshot{CPU: CPUStats{Percent: float64(c.n.Load())}}
}

func TestCached(t *testing.T) {
	src := &countingSource{}
	if NewCached(src, 0) != Source(src) {
		t.Fatal("zero interval should return the source itself")
	}

	now := time.Unix(0, 0)
	c := NewCached(src, time.Second).(*Cached)
	c.now = func() time.Time { return now }

	a := c.Snapshot(context.Background())
	b := c.Snapshot(context.Background())
	if src.n.Load() != 1 || a.CPU.Percent != b.CPU.Percent {
		t.Errorf("cached source fetched %d times", src.n.Load())
	}

	now = now.Add(2 * time.Second)
	c.Snapshot(context.Background())
	if src.n.Load() != 2 {
		t.Errorf("expired entry not refreshed, fetches = %d", src.n.Load())
	}

	if _, err := c.ResidentMemory(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("rss err = %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	snap := Unavailable{}.Snapshot(context.Background())
	for name, err := range map[string]error{
		"cpu": snap.CPU.Err, "memory": snap.Memory.Err, "network": snap.Network.Err,
	} {
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("%s err = %v", name, err)
		}
	}
}
