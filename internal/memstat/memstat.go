// Package memstat reports available physical memory so the storage engine
// can derive its hot-tier capacity at startup, the way the Python original
// used psutil.virtual_memory().available.
//
// No library in the reference corpus exposes this (it is the one place a
// corpus-wide dependency search came up empty — see DESIGN.md), so this
// package reads /proc/meminfo directly on Linux and falls back to a fixed
// assumption elsewhere. It is read once per replica construction, never on
// a hot path.
//
// © 2025 tiered-kv authors. MIT License.
package memstat

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// fallbackAvailableBytes is used on platforms without /proc/meminfo, or if
// it cannot be parsed. 1 GiB keeps hot_limit in a sane, nonzero range.
const fallbackAvailableBytes = 1 << 30

// AvailableBytes returns an estimate of currently available physical
// memory, in bytes.
func AvailableBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return fallbackAvailableBytes
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kib * 1024
	}
	return fallbackAvailableBytes
}
