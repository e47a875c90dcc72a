package elfview

import "testing"

func TestIgnoreVersionMismatch(t *testing.T) {
	t.Setenv("PROBE_RUN_IGNORE_VERSION", "")
	if ignoreVersionMismatch() {
		t.Fatal("expected false when unset")
	}
	t.Setenv("PROBE_RUN_IGNORE_VERSION", "1")
	if !ignoreVersionMismatch() {
		t.Fatal("expected true for \"1\"")
	}
	t.Setenv("PROBE_RUN_IGNORE_VERSION", "true")
	if !ignoreVersionMismatch() {
		t.Fatal("expected true for \"true\"")
	}
}

func TestParseRejectsNonELFInput(t *testing.T) {
	_, err := Parse([]byte("not an elf"))
	if err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestDecodeLocationTableEmptyInput(t *testing.T) {
	got := decodeLocationTable(nil)
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %d entries", len(got))
	}
}

func TestSymbolicateNoDwarfReturnsNil(t *testing.T) {
	ev := &ElfView{}
	if got := ev.Symbolicate(0x1000); got != nil {
		t.Fatalf("Symbolicate with no DWARF index = %v, want nil", got)
	}
}

func TestSymbolicateInlineChainInnermostFirst(t *testing.T) {
	ev := &ElfView{
		dwarfLines: []lineEntry{
			{Address: 0x100, File: "outer.rs", Line: 10},
			{Address: 0x110, File: "inner.rs", Line: 20},
			{Address: 0x120, File: "outer.rs", Line: 12},
		},
		dwarfScopes: []scope{
			{Low: 0x100, High: 0x130, Name: "outer_fn"},
			{Low: 0x110, High: 0x118, Name: "inner_fn", Inlined: true, CallFile: "outer.rs", CallLine: 11},
		},
	}

	got := ev.Symbolicate(0x114)
	if len(got) != 2 {
		t.Fatalf("Symbolicate(0x114) = %#v, want 2 entries", got)
	}
	if got[0].Func != "inner_fn" || got[0].File != "inner.rs" || got[0].Line != 20 {
		t.Fatalf("innermost entry = %#v, want inner_fn at inner.rs:20", got[0])
	}
	if got[1].Func != "outer_fn" || got[1].File != "outer.rs" || got[1].Line != 11 {
		t.Fatalf("outer entry = %#v, want outer_fn at outer.rs:11 (the call site)", got[1])
	}

	got = ev.Symbolicate(0x105)
	if len(got) != 1 || got[0].Func != "outer_fn" || got[0].Line != 10 {
		t.Fatalf("Symbolicate(0x105) = %#v, want a single outer_fn entry at line 10", got)
	}
}
