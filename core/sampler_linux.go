//go:build linux

package core

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const statmPath = "/proc/self/statm"

// ProcessSampler reports the resident set size of the process, which also
// covers memory held by CGO engines outside the Go heap.
type ProcessSampler struct {
	// Path overrides /proc/self/statm, for tests.
	Path string
}

func (s ProcessSampler) Usage() (int64, error) {
	path := s.Path
	if path == "" {
		path = statmPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return parseStatm(data, int64(unix.Getpagesize()))
}

// parseStatm reads the resident page count, the second field of statm.
func parseStatm(data []byte, pageSize int64) (int64, error) {
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}
	pages, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed statm resident field: %w", err)
	}
	return pages * pageSize, nil
}
