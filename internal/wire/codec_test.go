package wire

import "testing"

func TestParseStrengthValid(t *testing.T) {
	a, b, limitA, limitB, ok := ParseStrength("strength-100+150+200+200")
	if !ok {
		t.Fatalf("expected match")
	}
	if a != 100 || b != 150 || limitA != 200 || limitB != 200 {
		t.Fatalf("unexpected values: %d %d %d %d", a, b, limitA, limitB)
	}
}

func TestParseStrengthClampsOutOfRange(t *testing.T) {
	a, _, limitA, _, ok := ParseStrength("strength-999+0+500+0")
	if !ok {
		t.Fatalf("expected match")
	}
	if a != 200 || limitA != 200 {
		t.Fatalf("expected clamp to 200, got a=%d limitA=%d", a, limitA)
	}
}

func TestParseStrengthRejectsMalformed(t *testing.T) {
	cases := []string{
		"strength-100+150+200",
		"strength-100+150+200+abc",
		"strength--1+0+0+0",
		"feedback-5",
		"",
	}
	for _, c := range cases {
		if _, _, _, _, ok := ParseStrength(c); ok {
			t.Errorf("expected %q to be rejected", c)
		}
	}
}

func TestParseFeedback(t *testing.T) {
	idx, ok := ParseFeedback("feedback-42")
	if !ok || idx != 42 {
		t.Fatalf("got idx=%d ok=%v", idx, ok)
	}
	if _, ok := ParseFeedback("strength-1+2+3+4"); ok {
		t.Fatalf("expected rejection")
	}
}

func TestEncodeStrengthCommand(t *testing.T) {
	got := EncodeStrengthCommand(ChannelA, ModeSet, 999)
	want := "strength-1+2+200"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeWaveformCommand(t *testing.T) {
	got, err := EncodeWaveformCommand("A", []string{"0000000000000001", "0000000000000002"})
	if err != nil {
		t.Fatal(err)
	}
	want := `pulse-A:["0000000000000001","0000000000000002"]`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeClearCommand(t *testing.T) {
	if got := EncodeClearCommand(ChannelB); got != "clear-2" {
		t.Fatalf("got %q", got)
	}
}

func TestIsValidFrame(t *testing.T) {
	if !IsValidFrame("0123456789abcdef") {
		t.Fatalf("expected valid")
	}
	if IsValidFrame("0123") {
		t.Fatalf("expected invalid: too short")
	}
	if IsValidFrame("012345678gabcdef") {
		t.Fatalf("expected invalid: non-hex")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Envelope{Type: TypeMsg, ClientID: "c1", TargetID: "a1", Message: "strength-1+2+3+4"}
	b, err := Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIsBindHandshake(t *testing.T) {
	e := Envelope{Type: TypeBind, ClientID: "c1", TargetID: "a1", Message: "DGLAB"}
	if !e.IsBindHandshake() {
		t.Fatalf("expected handshake detection")
	}
	e.Message = "something-else"
	if e.IsBindHandshake() {
		t.Fatalf("expected non-handshake")
	}
}
