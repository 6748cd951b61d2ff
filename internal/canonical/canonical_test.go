// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"bytes"
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"alpha":2,"mid":3,"zeta":1}`
	if string(got) != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}

func TestMarshalOrderIndependent(t *testing.T) {
	a := map[string]any{}
	a["x"] = "1"
	a["y"] = map[string]any{"b": true, "a": false}
	a["z"] = []any{1, 2, 3}

	b := map[string]any{}
	b["z"] = []any{1, 2, 3}
	b["y"] = map[string]any{"a": false, "b": true}
	b["x"] = "1"

	ab, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if !bytes.Equal(ab, bb) {
		t.Fatalf("expected identical bytes, got %s vs %s", ab, bb)
	}
}

func TestMarshalJSONEquivalentInputs(t *testing.T) {
	got1, err := MarshalJSON([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got2, err := MarshalJSON([]byte(`{ "a" :1,"b":2 }`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got1, got2) {
		t.Fatalf("expected identical bytes, got %s vs %s", got1, got2)
	}
	if string(got1) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form %s", got1)
	}
}

func TestMarshalJSONPreservesNumberText(t *testing.T) {
	got, err := MarshalJSON([]byte(`{"n": 0.30000000000000004, "big": 9007199254740993}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"big":9007199254740993,"n":0.30000000000000004}`
	if string(got) != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}

func TestMarshalJSONRejectsTrailingData(t *testing.T) {
	if _, err := MarshalJSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestHashVersionPrefix(t *testing.T) {
	digest := Hash([]byte("payload"))
	if !strings.HasPrefix(digest, "v1:") {
		t.Fatalf("expected v1 prefix, got %s", digest)
	}
	// prefix + 64 hex chars of sha-256
	if len(digest) != len("v1:")+64 {
		t.Fatalf("unexpected digest length %d", len(digest))
	}
}

func TestHashValueDeterministic(t *testing.T) {
	type payload struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	}

	h1, err := HashValue(payload{URL: "https://example.test/rec.wav", Duration: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := HashValue(map[string]any{"duration": 42, "url": "https://example.test/rec.wav"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes, got %s vs %s", h1, h2)
	}

	h3, err := HashValue(payload{URL: "https://example.test/rec.wav", Duration: 43})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h3 == h1 {
		t.Fatal("expected differing payloads to hash differently")
	}
}
