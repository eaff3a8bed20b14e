package main

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// numberPrinter groups digits of large counts.
var numberPrinter = message.NewPrinter(language.English)

func formatNumber(n uint64) string {
	return numberPrinter.Sprintf("%d", n)
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// parseSize parses a byte count with an optional K, M or G suffix, e.g.
// "16K" or "128M".
func parseSize(s string) (uintptr, error) {
	str := strings.ToUpper(strings.TrimSpace(s))

	shift := uint(0)
	for i, unit := range []string{"K", "M", "G"} {
		if strings.HasSuffix(str, unit+"B") {
			str = strings.TrimSuffix(str, "B")
		}
		if strings.HasSuffix(str, unit) {
			str, shift = strings.TrimSuffix(str, unit), uint(10*(i+1))
			break
		}
	}

	n, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return uintptr(n << shift), nil
}

// parseRange parses a "start:end" pair of physical addresses.
func parseRange(s string) (start, end uintptr, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q: expected start:end", s)
	}

	if start, err = parseSize(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if end, err = parseSize(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid range %q: end precedes start", s)
	}
	return start, end, nil
}
