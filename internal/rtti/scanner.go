package rtti

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	glog "github.com/zboralski/remotenet/internal/log"
)

// TypeInfoName is the class every MSVC module with RTTI carries. A module
// scan that never sees it produced only false positives.
const TypeInfoName = "type_info"

// TypeInfo is one class found by a scan.
type TypeInfo struct {
	Module string
	Name   string
	// Address is the vftable address; Offset is relative to the module base.
	Address uint64
	Offset  uint64
}

func (t TypeInfo) String() string {
	return fmt.Sprintf("%s - %X", t.Name, t.Offset)
}

// Scanner finds RTTI-bearing vftables in module memory.
type Scanner struct {
	Reader MemoryReader
	// Is32 selects 4-byte pointers and the x86 RTTI layout.
	Is32 bool
	// Workers bounds ScanModules' parallelism; zero means one per module.
	Workers int
	Logger  *glog.Logger
}

func (s *Scanner) logger() *glog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return glog.Get()
}

func (s *Scanner) className(r MemoryReader, addr uint64) (string, bool) {
	if s.Is32 {
		return ClassName32(r, addr)
	}
	return ClassName64(r, addr)
}

// ScanModule returns every class whose vftable lies in one of m's data or
// RTTI sections. When type_info is not among them the result is empty.
func (s *Scanner) ScanModule(m Module) ([]TypeInfo, error) {
	secs, err := Sections(s.Reader, m.Base)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.Name, err)
	}
	secs = FilterRTTISections(secs)
	snap, err := Capture(s.Reader, m, secs)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.Name, err)
	}

	var found []TypeInfo
	typeInfoSeen := false
	inc := ptrSize(s.Is32)
	for _, sec := range secs {
		for off := inc; off < sec.Size; off += inc {
			addr := sec.Address + off
			name, ok := s.className(snap, addr)
			if !ok {
				continue
			}
			if name == TypeInfoName {
				typeInfoSeen = true
			}
			found = append(found, TypeInfo{Module: m.Name, Name: name, Address: addr, Offset: addr - m.Base})
		}
	}

	s.logger().ScanResult(m.Name, m.Base, len(found), !typeInfoSeen)
	if !typeInfoSeen {
		return nil, nil
	}
	return found, nil
}

// ScanModules scans modules in parallel. A module that fails to scan is
// logged and left out; only cancellation is returned as an error.
func (s *Scanner) ScanModules(ctx context.Context, modules []Module) (map[string][]TypeInfo, error) {
	var (
		mu  sync.Mutex
		res = make(map[string][]TypeInfo, len(modules))
	)
	g, ctx := errgroup.WithContext(ctx)
	if s.Workers > 0 {
		g.SetLimit(s.Workers)
	}
	log := s.logger()
	for _, m := range modules {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			types, err := s.ScanModule(m)
			if err != nil {
				log.Warn("rtti scan failed", zap.String("module", m.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			res[m.Name] = types
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}
