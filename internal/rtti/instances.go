package rtti

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	glog "github.com/zboralski/remotenet/internal/log"
)

// Region is a readable range of target memory.
type Region struct {
	Start uint64
	End   uint64
	Perms string
	Path  string
}

// Size returns the region length.
func (r Region) Size() uint64 { return r.End - r.Start }

const regionChunk = 1 << 20

// InstanceScanner finds objects by the vftable pointer in their first word.
type InstanceScanner struct {
	Reader  MemoryReader
	Is32    bool
	Workers int
	Logger  *glog.Logger
}

// Find returns, per class name, the addresses of every aligned word in
// regions that holds one of the vftables. Unreadable regions are skipped.
func (s *InstanceScanner) Find(ctx context.Context, regions []Region, vftables map[uint64]string) (map[string][]uint64, error) {
	log := s.Logger
	if log == nil {
		log = glog.Get()
	}
	var (
		mu  sync.Mutex
		res = make(map[string][]uint64)
	)
	g, ctx := errgroup.WithContext(ctx)
	if s.Workers > 0 {
		g.SetLimit(s.Workers)
	}
	for _, reg := range regions {
		g.Go(func() error {
			hits, err := s.scanRegion(ctx, reg, vftables)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Debug("region skipped", glog.Addr(reg.Start), glog.Size(reg.Size()), zap.Error(err))
			}
			mu.Lock()
			for name, addrs := range hits {
				res[name] = append(res[name], addrs...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, addrs := range res {
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	}
	return res, nil
}

func (s *InstanceScanner) scanRegion(ctx context.Context, reg Region, vftables map[uint64]string) (map[string][]uint64, error) {
	inc := ptrSize(s.Is32)
	hits := make(map[string][]uint64)
	buf := make([]byte, regionChunk)
	start := (reg.Start + inc - 1) &^ (inc - 1)
	for addr := start; addr < reg.End; addr += regionChunk {
		if err := ctx.Err(); err != nil {
			return hits, err
		}
		n := min(uint64(regionChunk), reg.End-addr)
		n -= n % inc
		if n == 0 {
			break
		}
		chunk := buf[:n]
		if err := s.Reader.ReadMemory(addr, chunk); err != nil {
			return hits, err
		}
		for off := uint64(0); off < n; off += inc {
			var v uint64
			if s.Is32 {
				v = uint64(binary.LittleEndian.Uint32(chunk[off:]))
			} else {
				v = binary.LittleEndian.Uint64(chunk[off:])
			}
			if name, ok := vftables[v]; ok {
				hits[name] = append(hits[name], addr+off)
			}
		}
	}
	return hits, nil
}

// Vftables maps each scanned class's vftable address to its name.
func Vftables(types []TypeInfo) map[uint64]string {
	out := make(map[uint64]string, len(types))
	for _, t := range types {
		out[t.Address] = t.Name
	}
	return out
}
