package armasm

import "testing"

func TestStripAndSetThumbBit(t *testing.T) {
	const addr = uint32(0x08000201)
	stripped := StripThumbBit(addr)
	if stripped != 0x08000200 {
		t.Fatalf("StripThumbBit(%#x) = %#x, want 0x08000200", addr, stripped)
	}
	if got := SetThumbBit(stripped); got != addr {
		t.Fatalf("SetThumbBit(%#x) = %#x, want %#x", stripped, got, addr)
	}
}

func TestIsExceptionReturn(t *testing.T) {
	cases := []struct {
		lr   uint32
		want bool
	}{
		{0xFFFFFFF1, true},
		{0xFFFFFFF9, true},
		{0xFFFFFFFD, true},
		{0x08000201, false},
		{0x00000000, false},
	}
	for _, c := range cases {
		if got := IsExceptionReturn(c.lr); got != c.want {
			t.Errorf("IsExceptionReturn(%#x) = %v, want %v", c.lr, got, c.want)
		}
	}
}

func TestCortexM(t *testing.T) {
	a := CortexM()
	if a.Name != "cortex-m" {
		t.Fatalf("Name = %q", a.Name)
	}
	if a.PtrSize != 4 {
		t.Fatalf("PtrSize = %d, want 4", a.PtrSize)
	}
	if len(a.RegisterNames) != 16 {
		t.Fatalf("len(RegisterNames) = %d, want 16", len(a.RegisterNames))
	}
}

func TestVerifyBlobMatches(t *testing.T) {
	// cmp r0, r1 ; bhi done ; str r2, [r0] ; adds r0, #4 ; b loop ; bkpt #0
	blob := []byte{
		0x88, 0x42,
		0x02, 0xd8,
		0x02, 0x60,
		0x04, 0x30,
		0xfa, 0xe7,
		0x00, 0xbe,
	}
	if err := VerifyBlob(blob, []string{"CMP", "BHI", "STR", "ADD", "B", "BKPT"}); err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
}

func TestVerifyBlobMismatch(t *testing.T) {
	blob := []byte{0x88, 0x42, 0x00, 0xbe}
	if err := VerifyBlob(blob, []string{"ADD"}); err == nil {
		t.Fatal("expected a mismatch error")
	}
}

func TestVerifyBlobTooShort(t *testing.T) {
	blob := []byte{0x88, 0x42}
	if err := VerifyBlob(blob, []string{"CMP", "BKPT"}); err == nil {
		t.Fatal("expected a too-short error")
	}
}

func TestVerifyBlobMeasureSubroutine(t *testing.T) {
	// loop: cmp r0,r1 ; bge exit ; ldr r3,[r0] ; cmp r2,r3 ; bne mismatch ;
	// adds r0,#4 ; b loop ; mismatch: bkpt #0 ; exit: movs r0,#0 ; bkpt #0
	blob := []byte{
		0x88, 0x42,
		0x05, 0xda,
		0x03, 0x68,
		0x9a, 0x42,
		0x01, 0xd1,
		0x04, 0x30,
		0xf8, 0xe7,
		0x00, 0xbe,
		0x00, 0x20,
		0x00, 0xbe,
	}
	want := []string{"CMP", "BGE", "LDR", "CMP", "BNE", "ADD", "B", "BKPT", "MOV", "BKPT"}
	if err := VerifyBlob(blob, want); err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
}
