package rtti

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads a live process with process_vm_readv.
type ProcessMemory struct {
	Pid int
}

// OpenProcess returns a reader for pid.
func OpenProcess(pid int) (*ProcessMemory, error) {
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &ProcessMemory{Pid: pid}, nil
}

// ReadMemory copies len(buf) bytes at addr from the process.
func (p *ProcessMemory) ReadMemory(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(p.Pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("read 0x%x+%d: %w", addr, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("read 0x%x+%d: short read %d", addr, len(buf), n)
	}
	return nil
}

// Regions lists the readable mappings of the process.
func (p *ProcessMemory) Regions() ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.Pid))
	if err != nil {
		return nil, fmt.Errorf("regions: %w", err)
	}
	defer f.Close()

	var out []Region
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		reg, ok := parseMapsLine(sc.Text())
		if !ok || !strings.HasPrefix(reg.Perms, "r") {
			continue
		}
		out = append(out, reg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("regions: %w", err)
	}
	return out, nil
}

// Modules groups file-backed mappings into modules spanning from their
// lowest to their highest mapped address.
func (p *ProcessMemory) Modules() ([]Module, error) {
	regions, err := p.Regions()
	if err != nil {
		return nil, err
	}
	return modulesOf(regions), nil
}
