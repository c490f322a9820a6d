//go:build !linux

package core

import "runtime"

// ProcessSampler reports memory obtained from the OS by the Go runtime.
// Resident set size is only read on Linux.
type ProcessSampler struct {
	Path string
}

func (s ProcessSampler) Usage() (int64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys), nil
}
