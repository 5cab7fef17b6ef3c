//go:build !linux

package rtti

import "fmt"

// ProcessMemory reads a live process. Only linux is supported.
type ProcessMemory struct {
	Pid int
}

// OpenProcess always fails off linux.
func OpenProcess(pid int) (*ProcessMemory, error) {
	return nil, fmt.Errorf("open process %d: %w", pid, ErrUnsupported)
}

// ReadMemory always fails off linux.
func (p *ProcessMemory) ReadMemory(addr uint64, buf []byte) error {
	return fmt.Errorf("read 0x%x: %w", addr, ErrUnsupported)
}

// Regions always fails off linux.
func (p *ProcessMemory) Regions() ([]Region, error) {
	return nil, fmt.Errorf("regions: %w", ErrUnsupported)
}

// Modules always fails off linux.
func (p *ProcessMemory) Modules() ([]Module, error) {
	return nil, fmt.Errorf("modules: %w", ErrUnsupported)
}
