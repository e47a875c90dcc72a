// Package backtrace turns an unwind.Result into the human-facing backtrace
// report: print policy, per-frame symbolication and formatting, and
// dependency-path shortening, per the design.
//
// Frame formatting follows the same "format for human, not machine" register
// dump style pkg/proc uses for its own stack traces: short by default, with
// addresses and full paths opt-in behind verbosity.
package backtrace

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/unwind"
)

// Policy controls whether Print actually emits a report, per the design
// table.
type Policy int

const (
	PolicyAuto Policy = iota
	PolicyNever
	PolicyAlways
)

// symbolCacheSize bounds the PC→Frame symbolication cache; recursive
// overflow backtraces revisit the same handful of PCs hundreds of times.
const symbolCacheSize = 256

// Frame is one fully symbolicated, print-ready backtrace entry.
type Frame struct {
	Index       int
	PC          uint32
	Name        string
	File        string
	Line        int
	IsException bool
	ExceptionOf unwind.ExceptionKind
}

// Printer renders an unwind.Result as text, honoring the design print
// policy, frame limit, path-shortening, and verbosity rules.
type Printer struct {
	out          io.Writer
	policy       Policy
	limit        int
	shortenPaths bool
	verbosity    int
	color        bool

	cache *lru.Cache
	roots *trie.Trie
}

// NewPrinter builds a Printer writing to out. roots are recognized
// dependency-registry prefixes (the design: "<registry>/<crate>-<version>/
// <rel>"); pass nil for none.
func NewPrinter(out io.Writer, policy Policy, limit int, shortenPaths bool, verbosity int, roots []string) *Printer {
	cache, err := lru.New(symbolCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which symbolCacheSize
		// never is.
		panic(fmt.Sprintf("backtrace: lru.New: %v", err))
	}
	t := trie.New()
	for _, r := range roots {
		t.Add(r, nil)
	}

	w := out
	color := false
	if f, ok := out.(*os.File); ok && os.Getenv("TERM") != "dumb" {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if color {
			w = colorable.NewColorable(f)
		}
	}

	return &Printer{
		out:          w,
		policy:       policy,
		limit:        limit,
		shortenPaths: shortenPaths,
		verbosity:    verbosity,
		color:        color,
		cache:        cache,
		roots:        t,
	}
}

// Should reports whether a report should be printed at all, given the
// outcome signals the design keys policy "auto" off of.
func (p *Printer) Should(stackOverflow, haltedDueToSignal bool, res unwind.Result) bool {
	switch p.policy {
	case PolicyNever:
		return false
	case PolicyAlways:
		return true
	default:
		if stackOverflow || haltedDueToSignal || res.Corrupted {
			return true
		}
		for _, f := range res.Frames {
			if f.IsException {
				return true
			}
		}
		return false
	}
}

// headerStyle gives section banners a bold accent, matching the style of
// lipgloss-rendered terminal output elsewhere in this codebase.
var headerStyle = lipgloss.NewStyle().Bold(true)
var indexStyle = lipgloss.NewStyle().Faint(true)

// Print symbolicates and renders res through ev, truncating to the
// configured limit and collapsing adjacent duplicate frames first.
func (p *Printer) Print(res unwind.Result, ev *elfview.ElfView) error {
	frames := unwind.CollapseAdjacent(res.Frames)
	if p.limit > 0 && len(frames) > p.limit {
		frames = frames[:p.limit]
	}

	if p.color {
		fmt.Fprintln(p.out, headerStyle.Render("stack backtrace:"))
	} else {
		fmt.Fprintln(p.out, "stack backtrace:")
	}

	printed := 0
	for _, rf := range frames {
		for _, fr := range p.symbolicate(rf, ev) {
			fr.Index = printed
			fmt.Fprintln(p.out, p.formatLine(fr))
			printed++
		}
	}

	if res.HitFrameLimit {
		fmt.Fprintln(p.out, "      (more frames follow, truncated)")
	}
	if res.Corrupted && res.ProcessingErr != nil {
		fmt.Fprintf(p.out, "      <error: %v>\n", res.ProcessingErr)
	}
	return nil
}

// symbolicate resolves a RawFrame into one or more Frames — more than one
// when DWARF attributes the PC to an inlined call chain, innermost first —
// caching by PC since recursive overflow traces repeat the same handful of
// addresses.
func (p *Printer) symbolicate(rf unwind.RawFrame, ev *elfview.ElfView) []Frame {
	if cached, ok := p.cache.Get(rf.PC); ok {
		cachedFrames := cached.([]Frame)
		out := make([]Frame, len(cachedFrames))
		copy(out, cachedFrames)
		for i := range out {
			out[i].IsException = rf.IsException
			out[i].ExceptionOf = rf.Kind
		}
		return out
	}

	var frames []Frame
	if ev != nil {
		for _, loc := range ev.Symbolicate(rf.PC) {
			frames = append(frames, Frame{PC: rf.PC, Name: loc.Func, File: loc.File, Line: loc.Line})
		}
	}
	if len(frames) == 0 {
		name := "??"
		if ev != nil {
			if n, ok := ev.SymbolAt(rf.PC); ok {
				name = n
			}
		}
		frames = []Frame{{PC: rf.PC, Name: name}}
	}
	for i := range frames {
		frames[i].IsException = rf.IsException
		frames[i].ExceptionOf = rf.Kind
	}
	p.cache.Add(rf.PC, frames)
	return frames
}

// formatLine renders one frame per the design: index, name, optional
// "@ file:line", optional "(pc=0xNNNN)" when verbosity > 0.
func (p *Printer) formatLine(fr Frame) string {
	var b strings.Builder
	idx := fmt.Sprintf("%4d:", fr.Index)
	if p.color {
		idx = indexStyle.Render(idx)
	}
	b.WriteString(idx)
	b.WriteByte(' ')

	if fr.IsException {
		fmt.Fprintf(&b, "<%s>", fr.ExceptionOf)
	} else {
		b.WriteString(fr.Name)
	}

	if fr.File != "" {
		path := fr.File
		if p.shortenPaths {
			path = p.ShortenPath(path)
		}
		fmt.Fprintf(&b, " @ %s:%d", path, fr.Line)
	}

	if p.verbosity > 0 {
		fmt.Fprintf(&b, " (pc=%#08x)", fr.PC)
	}
	return b.String()
}

// ShortenPath implements the design path-shortening rules: a recognized
// "<registry>/<crate>-<version>/<rel>" prefix becomes "<crate>:<rel>";
// everything else falls through unchanged (repository-relative paths are
// expected to already be relative by the time they reach here).
func (p *Printer) ShortenPath(path string) string {
	root, rel, ok := p.matchRoot(path)
	if !ok {
		return path
	}
	crate := crateNameFromRoot(root)
	return crate + ":" + rel
}

// matchRoot walks path's directory components from the longest candidate
// down, looking for one registered as a recognized registry root.
func (p *Printer) matchRoot(path string) (root, rel string, ok bool) {
	parts := strings.Split(path, "/")
	for i := len(parts) - 1; i > 0; i-- {
		candidate := strings.Join(parts[:i], "/")
		if candidate == "" {
			continue
		}
		if _, found := p.roots.Find(candidate); found {
			return candidate, strings.Join(parts[i:], "/"), true
		}
	}
	return "", "", false
}

// crateNameFromRoot strips a trailing "-<version>" segment off a registry
// root's last path component, e.g. ".../serde-1.0.188" → "serde".
func crateNameFromRoot(root string) string {
	base := root
	if i := strings.LastIndex(root, "/"); i >= 0 {
		base = root[i+1:]
	}
	if i := strings.LastIndex(base, "-"); i >= 0 {
		return base[:i]
	}
	return base
}
