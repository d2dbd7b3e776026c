package record

import (
	"fmt"
	"time"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// FormatBytes renders a byte count as "156 bytes", "2.34 KB", "1.50 MB" or
// "3.21 GB". Negative counts keep their sign.
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + FormatBytes(-n)
	}
	switch {
	case n < kib:
		return fmt.Sprintf("%d bytes", n)
	case n < mib:
		return fmt.Sprintf("%.2f KB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f MB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
}

// FormatUint is FormatBytes for unsigned counters.
func FormatUint(n uint64) string {
	if n > 1<<62 {
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
	return FormatBytes(int64(n))
}

// FormatDuration renders d in milliseconds with two decimals.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}

// FormatPercent renders p with one decimal and a percent sign.
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
