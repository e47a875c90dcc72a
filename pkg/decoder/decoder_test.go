package decoder

import "testing"

func TestRawDecoderEchoesReceivedBytes(t *testing.T) {
	d := NewRawDecoder()

	if _, outcome := d.Decode(); outcome != OutcomeEOF {
		t.Fatalf("Decode on empty buffer = %v, want OutcomeEOF", outcome)
	}

	d.Received([]byte("hello "))
	d.Received([]byte("world"))

	frame, outcome := d.Decode()
	if outcome != OutcomeFrame {
		t.Fatalf("Decode = %v, want OutcomeFrame", outcome)
	}
	if frame.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", frame.Text, "hello world")
	}

	if _, outcome := d.Decode(); outcome != OutcomeEOF {
		t.Fatalf("Decode after drain = %v, want OutcomeEOF", outcome)
	}
}

func TestRawDecoderNeverReportsMalformed(t *testing.T) {
	d := NewRawDecoder()
	if !d.CanRecover() {
		t.Fatal("RawDecoder should always report CanRecover true")
	}
	d.Received([]byte{0xff, 0x00, 0x01})
	if _, outcome := d.Decode(); outcome == OutcomeMalformed {
		t.Fatal("RawDecoder should never report OutcomeMalformed")
	}
}
