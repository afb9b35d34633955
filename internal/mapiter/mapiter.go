// Package mapiter walks the process's own memory map and reports the
// lowest address the kernel is willing to hand back from mmap.
// Grounded on map_region_iterator_procfs.c and analyze_elfs.c's
// get_min_address, reading /proc/self/maps and
// /proc/sys/vm/mmap_min_addr with bufio.Scanner the way the rest of
// the corpus reads line-oriented procfs/sysfs files.
package mapiter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// defaultMinMappableAddress is the best guess used when
// /proc/sys/vm/mmap_min_addr cannot be read.
const defaultMinMappableAddress = 0x10000

// Region is one line of /proc/self/maps: a mapped address range plus
// the permission bits and backing path, if any.
type Region struct {
	Start, End   uintptr
	Perms        string
	Offset       uint64
	Path         string
}

// MinMappableAddress reads /proc/sys/vm/mmap_min_addr. The original
// opens "/proc/sys/vm/mmap_min_addr," -- a trailing comma that is a
// bug in the file it was copied from -- which makes fopen fail on
// every real system and always fall back to the 0x10000 guess; this
// reimplementation opens the correct path instead, and keeps the same
// fallback for every other failure mode (permission denied, sysctl
// missing in a container, malformed content).
func MinMappableAddress() uintptr {
	f, err := os.Open("/proc/sys/vm/mmap_min_addr")
	if err != nil {
		return defaultMinMappableAddress
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return defaultMinMappableAddress
	}

	v, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return defaultMinMappableAddress
	}
	return uintptr(v)
}

// Walk reads /proc/self/maps once, as a single stable snapshot, and
// calls fn for each region in ascending address order. It stops and
// returns fn's error as soon as fn returns one.
func Walk(fn func(Region) error) error {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return fmt.Errorf("mapiter: read /proc/self/maps: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		region, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if err := fn(region); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseLine parses one /proc/self/maps line, e.g.:
//
//	7f1234560000-7f1234580000 r-xp 00001000 08:01 131075  /lib/x86_64-linux-gnu/libc.so.6
func parseLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Region{}, false
	}

	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Region{}, false
	}
	if end < start {
		return Region{}, false
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		offset = 0
	}

	region := Region{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: offset,
	}
	if len(fields) >= 6 {
		region.Path = fields[5]
	}
	return region, true
}
