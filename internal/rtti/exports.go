package rtti

import (
	"encoding/binary"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Export is one named or ordinal-only export of a module.
type Export struct {
	Name    string
	Address uint64
	Ordinal uint32
}

// IMAGE_EXPORT_DIRECTORY field offsets.
const (
	expBase         = 16
	expNumFunctions = 20
	expNumNames     = 24
	expFunctions    = 28
	expNames        = 32
	expOrdinals     = 36

	maxExports = 1 << 16
)

// Exports parses the export directory of the image mapped at base.
func Exports(r MemoryReader, base uint64) ([]Export, error) {
	h, err := ReadHeader(r, base)
	if err != nil {
		return nil, err
	}
	return exportsFrom(r, base, h)
}

func exportsFrom(r MemoryReader, base uint64, h *Header) ([]Export, error) {
	if h.ExportRVA == 0 {
		return nil, nil
	}
	dir := base + uint64(h.ExportRVA)
	var hdr [40]byte
	if err := r.ReadMemory(dir, hdr[:]); err != nil {
		return nil, fmt.Errorf("read export directory: %w", err)
	}
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(hdr[off:]) }
	ordBase := u32(expBase)
	numFuncs := u32(expNumFunctions)
	numNames := u32(expNumNames)
	if numFuncs > maxExports || numNames > maxExports {
		return nil, fmt.Errorf("export directory: %d functions, %d names", numFuncs, numNames)
	}
	funcs := base + uint64(u32(expFunctions))
	names := base + uint64(u32(expNames))
	ords := base + uint64(u32(expOrdinals))

	nameByIndex := make(map[uint32]string, numNames)
	for i := uint32(0); i < numNames; i++ {
		nameRVA, err := readU32(r, names+uint64(i)*4)
		if err != nil {
			return nil, fmt.Errorf("export name %d: %w", i, err)
		}
		ord, err := readU16(r, ords+uint64(i)*2)
		if err != nil {
			return nil, fmt.Errorf("export ordinal %d: %w", i, err)
		}
		name, err := readCString(r, base+uint64(nameRVA))
		if err != nil {
			return nil, fmt.Errorf("export name %d: %w", i, err)
		}
		nameByIndex[uint32(ord)] = name
	}

	out := make([]Export, 0, numFuncs)
	for i := uint32(0); i < numFuncs; i++ {
		rva, err := readU32(r, funcs+uint64(i)*4)
		if err != nil {
			return nil, fmt.Errorf("export function %d: %w", i, err)
		}
		if rva == 0 {
			continue
		}
		out = append(out, Export{Name: nameByIndex[i], Address: base + uint64(rva), Ordinal: ordBase + i})
	}
	return out, nil
}

// ExportsCache keeps the undecorated exports of recently used modules.
type ExportsCache struct {
	reader MemoryReader
	cache  *lru.Cache[FuncCacheKey, []UndecoratedFunction]
	mu     sync.Mutex
}

// FuncCacheKey identifies a loaded module.
type FuncCacheKey struct {
	Name string
	Base uint64
}

// NewExportsCache returns a cache of at most size modules.
func NewExportsCache(r MemoryReader, size int) (*ExportsCache, error) {
	c, err := lru.New[FuncCacheKey, []UndecoratedFunction](size)
	if err != nil {
		return nil, fmt.Errorf("exports cache: %w", err)
	}
	return &ExportsCache{reader: r, cache: c}, nil
}

// Get returns m's undecorated exports, parsing them on a miss.
func (c *ExportsCache) Get(m Module) ([]UndecoratedFunction, error) {
	key := FuncCacheKey{Name: m.Name, Base: m.Base}
	if funcs, ok := c.cache.Get(key); ok {
		return funcs, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if funcs, ok := c.cache.Get(key); ok {
		return funcs, nil
	}
	exps, err := Exports(c.reader, m.Base)
	if err != nil {
		return nil, fmt.Errorf("exports of %s: %w", m.Name, err)
	}
	funcs := make([]UndecoratedFunction, 0, len(exps))
	for _, e := range exps {
		if e.Name == "" {
			continue
		}
		funcs = append(funcs, Undecorated(m.Name, e))
	}
	c.cache.Add(key, funcs)
	return funcs, nil
}

// Len returns the number of cached modules.
func (c *ExportsCache) Len() int { return c.cache.Len() }
