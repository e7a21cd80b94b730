package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONDeterminism(t *testing.T) {
	cb := json.RawMessage(`{"request_id":"r-1","results":[{"handle_id":"h-1","plaintext":"cGF5bG9hZA=="}]}`)
	canon1, err := CanonicalizeJSON(cb)
	if err != nil {
		t.Fatal(err)
	}
	canon2, err := CanonicalizeJSON(cb)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon1) != string(canon2) {
		t.Fatal("canonical forms differ")
	}
	h1 := ResultHash(canon1, "r-1")
	h2 := ResultHash(canon2, "r-1")
	if h1 != h2 {
		t.Fatal("hash mismatch")
	}
	if h3 := ResultHash(canon1, "r-2"); h3 == h1 {
		t.Fatal("different request ids must hash differently")
	}
}

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	raw := json.RawMessage(`{"z":1,"a":{"y":2,"b":[true,null,"s"]}}`)
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"b":[true,null,"s"],"y":2},"z":1}`
	if string(canon) != want {
		t.Fatalf("unexpected canonical form: %s", canon)
	}
}

func TestCanonicalizeJSONRejectsFloatsAndGarbage(t *testing.T) {
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":1.1}`)); err == nil {
		t.Fatal("expected error for float token")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":2e3}`)); err == nil {
		t.Fatal("expected error for exponent token")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error for invalid json")
	}
}

func TestValidateNoJSONNumbers(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"float", `{"x": 1.1}`, true},
		{"nested float", `{"x": [{"y": 2.5}]}`, true},
		{"decimal string", `{"x": "1.1"}`, false},
		{"integer", `{"x": 1}`, false},
		{"invalid", `{"x":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNoJSONNumbers(json.RawMessage(tt.raw))
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCanonicalizeJSONBigIntegers(t *testing.T) {
	raw := json.RawMessage(`{"n":18446744073709551615}`)
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canon) != `{"n":18446744073709551615}` {
		t.Fatalf("big integer mangled: %s", canon)
	}
}
