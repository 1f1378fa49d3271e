package hash

import (
	"encoding/json"
	"testing"
)

func TestComputeIsDeterministic(t *testing.T) {
	data := []byte("some chunk content")

	h1 := Compute(data)
	h2 := Compute(data)

	if h1 != h2 {
		t.Errorf("Compute is not deterministic: %s != %s", h1, h2)
	}
	if h1.IsNull() {
		t.Error("Compute returned the null hash")
	}
}

func TestHexRoundTrip(t *testing.T) {
	h := Compute([]byte("round trip"))

	parsed, err := FromHex(h.Hex())
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	if parsed != h {
		t.Errorf("Hex round trip mismatch: %s != %s", parsed, h)
	}
}

func TestFromHexRejectsBadInput(t *testing.T) {
	tests := []string{
		"",
		"zzzz",
		"abcd", // too short
	}

	for _, input := range tests {
		if _, err := FromHex(input); err == nil {
			t.Errorf("FromHex(%q) should have failed", input)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	h := Compute([]byte("json"))

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != h {
		t.Errorf("JSON round trip mismatch: %s != %s", back, h)
	}
}

func TestDigestMatchesCompute(t *testing.T) {
	data := []byte("streamed in two writes")

	d := NewDigest()
	d.Write(data[:8])
	d.Write(data[8:])

	if d.Sum() != Compute(data) {
		t.Error("rolling digest differs from one-shot hash")
	}
}

func TestDigestReset(t *testing.T) {
	d := NewDigest()
	d.Write([]byte("garbage"))
	d.Reset()
	d.Write([]byte("fresh"))

	if d.Sum() != Compute([]byte("fresh")) {
		t.Error("Reset did not clear the digest state")
	}
}

func TestIsNull(t *testing.T) {
	var zero Hash
	if !zero.IsNull() {
		t.Error("zero value should be null")
	}
	if Compute([]byte("x")).IsNull() {
		t.Error("computed hash should not be null")
	}
}
