package rtti

import (
	"path/filepath"
	"strconv"
	"strings"
)

// parseMapsLine parses "start-end perms offset dev inode [path]".
func parseMapsLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil || end <= start {
		return Region{}, false
	}
	reg := Region{Start: start, End: end, Perms: fields[1]}
	if len(fields) >= 6 {
		reg.Path = strings.Join(fields[5:], " ")
	}
	return reg, true
}

func modulesOf(regions []Region) []Module {
	var order []string
	byPath := make(map[string]*Module)
	for _, r := range regions {
		if !strings.HasPrefix(r.Path, "/") {
			continue
		}
		m, ok := byPath[r.Path]
		if !ok {
			m = &Module{Name: filepath.Base(r.Path), Path: r.Path, Base: r.Start}
			byPath[r.Path] = m
			order = append(order, r.Path)
		}
		if r.Start < m.Base {
			m.Size += m.Base - r.Start
			m.Base = r.Start
		}
		if end := r.End - m.Base; end > m.Size {
			m.Size = end
		}
	}
	out := make([]Module, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	return out
}
