package hostmetrics

import (
	"net"
	"strings"
)

// iface is the subset of net.Interface used for primary selection.
type iface struct {
	name     string
	up       bool
	running  bool
	loopback bool
	ip       net.IP
	mask     net.IPMask
}

func systemInterfaces() ([]iface, error) {
	list, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]iface, 0, len(list))
	for _, ni := range list {
		it := iface{
			name:     ni.Name,
			up:       ni.Flags&net.FlagUp != 0,
			running:  ni.Flags&net.FlagRunning != 0,
			loopback: ni.Flags&net.FlagLoopback != 0,
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				it.ip = ip4
				it.mask = ipv4Mask(ipnet.Mask)
				break
			}
		}
		out = append(out, it)
	}
	return out, nil
}

func ipv4Mask(m net.IPMask) net.IPMask {
	if len(m) == net.IPv6len {
		return m[12:]
	}
	return m
}

// selectPrimary picks the interface to report: up, not loopback, with an
// IPv4 address; WiFi-looking names win over Ethernet-looking ones, which win
// over the rest. Ties keep enumeration order.
func selectPrimary(ifaces []iface) (iface, bool) {
	rank := map[string]int{TypeWiFi: 0, TypeEthernet: 1, TypeOther: 2}

	best, bestRank, found := iface{}, len(rank), false
	for _, it := range ifaces {
		if !it.up || it.loopback || it.ip == nil {
			continue
		}
		r := rank[Classify(it.name)]
		if !found || r < bestRank {
			best, bestRank, found = it, r, true
		}
	}
	return best, found
}

var (
	wifiPrefixes     = []string{"wl", "ath"}
	wifiFragments    = []string{"wi-fi", "wifi", "wireless", "airport"}
	ethernetPrefixes = []string{"eth", "en", "em"}
	ethernetFragment = "ethernet"
)

// Classify guesses the interface class from its name.
func Classify(name string) string {
	n := strings.ToLower(name)
	for _, p := range wifiPrefixes {
		if strings.HasPrefix(n, p) {
			return TypeWiFi
		}
	}
	for _, f := range wifiFragments {
		if strings.Contains(n, f) {
			return TypeWiFi
		}
	}
	for _, p := range ethernetPrefixes {
		if strings.HasPrefix(n, p) {
			return TypeEthernet
		}
	}
	if strings.Contains(n, ethernetFragment) {
		return TypeEthernet
	}
	return TypeOther
}
