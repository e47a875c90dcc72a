package elfview

import (
	"debug/dwarf"
	"debug/elf"
	"sort"
)

// SourceLocation names one entry of a resolved inline call chain for a
// program counter. A non-inlined frame resolves to a single SourceLocation;
// a PC inside inlined code resolves to one entry per level of inlining,
// innermost first.
type SourceLocation struct {
	File string
	Line int
	Func string
}

// lineEntry is one row of a compile unit's line-number program, flattened
// and sorted by Address across every compile unit in the image.
type lineEntry struct {
	Address uint32
	File    string
	Line    int
}

// scope is one subprogram or inlined_subroutine DIE's address range. Nested
// inlined scopes always cover a subset of their enclosing scope's range, so
// sorting the scopes that contain a PC by range width yields innermost-first
// order without needing to track real DIE parent/child links.
type scope struct {
	Low, High uint32
	Name      string
	Inlined   bool
	CallFile  string // DW_AT_call_file, resolved to a path; only set when Inlined
	CallLine  int    // DW_AT_call_line; only set when Inlined
}

// buildDwarfIndex extracts a PC-sorted line table and the subprogram/
// inlined-subroutine scope list from f's DWARF info, for addr2line and
// inline-chain symbolication (Symbolicate). A nil result is not an error:
// firmware images are often built or stripped without DWARF, in which case
// symbolication falls back to the plain symbol table (SymbolAt).
func buildDwarfIndex(f *elf.File) ([]lineEntry, []scope) {
	dw, err := f.DWARF()
	if err != nil {
		log.WithError(err).Debug("no usable DWARF info: symbolication will be name-only")
		return nil, nil
	}

	var lines []lineEntry
	var scopes []scope
	var currentFiles []*dwarf.LineFile

	r := dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			lr, err := dw.LineReader(entry)
			if err != nil || lr == nil {
				currentFiles = nil
				continue
			}
			currentFiles = lr.Files()
			var le dwarf.LineEntry
			for {
				if err := lr.Next(&le); err != nil {
					break
				}
				if le.EndSequence {
					continue
				}
				file := ""
				if le.File != nil {
					file = le.File.Name
				}
				lines = append(lines, lineEntry{Address: uint32(le.Address), File: file, Line: le.Line})
			}

		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			ranges, err := dw.Ranges(entry)
			if err != nil || len(ranges) == 0 {
				continue
			}
			inlined := entry.Tag == dwarf.TagInlinedSubroutine
			name := entryName(dw, entry)
			callFile, callLine := "", 0
			if inlined {
				callFile, callLine = callSite(entry, currentFiles)
			}
			for _, rg := range ranges {
				scopes = append(scopes, scope{
					Low:      uint32(rg[0]),
					High:     uint32(rg[1]),
					Name:     name,
					Inlined:  inlined,
					CallFile: callFile,
					CallLine: callLine,
				})
			}
		}
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].Address < lines[j].Address })
	return lines, scopes
}

// entryName resolves a subprogram/inlined_subroutine's display name. An
// inlined instance usually carries no DW_AT_name of its own; the real name
// lives on the abstract instance DW_AT_abstract_origin points at.
func entryName(dw *dwarf.Data, entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		off, ok = entry.Val(dwarf.AttrSpecification).(dwarf.Offset)
	}
	if !ok {
		return "<inlined>"
	}
	// A fresh Reader, not r: r is mid-walk over the whole DIE tree and
	// seeking it here would derail that outer iteration.
	ar := dw.Reader()
	if err := ar.Seek(off); err != nil {
		return "<inlined>"
	}
	origin, err := ar.Next()
	if err != nil || origin == nil {
		return "<inlined>"
	}
	if name, ok := origin.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	return "<inlined>"
}

// callSite resolves DW_AT_call_file/DW_AT_call_line on an inlined_subroutine
// entry: the source position, in the enclosing scope, where the inlining
// occurred. files is the line-table file list of the entry's compile unit.
func callSite(entry *dwarf.Entry, files []*dwarf.LineFile) (file string, line int) {
	if idx, ok := entry.Val(dwarf.AttrCallFile).(int64); ok && idx >= 0 && int(idx) < len(files) && files[idx] != nil {
		file = files[idx].Name
	}
	if l, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
		line = int(l)
	}
	return file, line
}

// Symbolicate resolves pc into its inline call chain, innermost entry
// first: index 0 is the innermost function pc is "in" (the leaf, whether or
// not it was inlined), and each subsequent entry is the caller that was
// inlined into. Returns nil when the image carries no DWARF coverage for
// pc, in which case callers fall back to SymbolAt.
func (ev *ElfView) Symbolicate(pc uint32) []SourceLocation {
	var enclosing []scope
	for _, s := range ev.dwarfScopes {
		if pc >= s.Low && pc < s.High {
			enclosing = append(enclosing, s)
		}
	}
	if len(enclosing) == 0 {
		return nil
	}
	sort.Slice(enclosing, func(i, j int) bool {
		return (enclosing[i].High - enclosing[i].Low) < (enclosing[j].High - enclosing[j].Low)
	})

	file, ln := ev.lineFor(pc)
	locs := make([]SourceLocation, len(enclosing))
	locs[0] = SourceLocation{File: file, Line: ln, Func: enclosing[0].Name}
	for i := 1; i < len(enclosing); i++ {
		locs[i] = SourceLocation{
			File: enclosing[i-1].CallFile,
			Line: enclosing[i-1].CallLine,
			Func: enclosing[i].Name,
		}
	}
	return locs
}

// lineFor returns the file/line the line-number program attributes to pc:
// the entry with the largest Address not exceeding pc.
func (ev *ElfView) lineFor(pc uint32) (string, int) {
	lines := ev.dwarfLines
	i := sort.Search(len(lines), func(i int) bool { return lines[i].Address > pc })
	if i == 0 {
		return "", 0
	}
	e := lines[i-1]
	return e.File, e.Line
}
