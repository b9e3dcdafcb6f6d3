package snapshot

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSize reads a byte count with an optional KB, MB or GB suffix
// (powers of 1024, case-insensitive, "B" optional).
func ParseSize(s string) (int64, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(str, "GB"), strings.HasSuffix(str, "G"):
		multiplier = 1024 * 1024 * 1024
	case strings.HasSuffix(str, "MB"), strings.HasSuffix(str, "M"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(str, "KB"), strings.HasSuffix(str, "K"):
		multiplier = 1024
	}
	str = strings.TrimRight(str, "GMKB")
	str = strings.TrimSpace(str)

	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if val > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return val * multiplier, nil
}

// FormatSize renders n with the largest exact suffix.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dGB", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	}
	return strconv.FormatInt(n, 10)
}
