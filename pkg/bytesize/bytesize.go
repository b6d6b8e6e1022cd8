// Package bytesize parses and formats human-readable byte sizes, used
// for configuring cache and memory budgets.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units (binary).
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches strings like "256MB", "1.5 GB", "4096".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var unitMultipliers = map[string]int64{
	"":   B,
	"B":  B,
	"K":  KB,
	"KB": KB,
	"KI": KB,
	"M":  MB,
	"MB": MB,
	"MI": MB,
	"G":  GB,
	"GB": GB,
	"GI": GB,
	"T":  TB,
	"TB": TB,
	"TI": TB,
}

// Parse converts a size string like "256MB", "1.5GB", or "4096" into
// bytes. Units are case-insensitive and binary (KB = 1024); a bare
// number means bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error. Intended for constants
// and tests.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a byte count with the largest unit that keeps the
// value at or above one.
func Format(bytes int64) string {
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
