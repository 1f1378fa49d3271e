package protocol

import (
	"encoding/json"
	"testing"

	"github.com/p2p-filesharing/lanshare/pkg/hash"
)

func TestEntryJSONRoundTrip(t *testing.T) {
	tests := []Entry{
		{Type: EntryFile, Path: "/music/", Name: "song.ogg", Size: 4242},
		{Type: EntryDir, Path: "/", Name: "music", IsEmpty: true},
		{Type: EntryFile, Path: "/a/b/", Name: "x", Size: 1, SharedDirID: hash.Compute([]byte("root"))},
	}

	for _, e := range tests {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", e, err)
		}
		var back Entry
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if back != e {
			t.Errorf("round trip mismatch: got %+v, want %+v", back, e)
		}
	}
}

func TestSameEntry(t *testing.T) {
	base := Entry{Type: EntryFile, Path: "/docs/", Name: "readme", Size: 100}

	tests := []struct {
		name  string
		other Entry
		want  bool
	}{
		{"identical", base, true},
		{"different peer-irrelevant fields", Entry{Type: EntryFile, Path: "/docs/", Name: "readme", Size: 100, SharedDirID: hash.Compute([]byte("x")), IsEmpty: true}, true},
		{"different type", Entry{Type: EntryDir, Path: "/docs/", Name: "readme", Size: 100}, false},
		{"different path", Entry{Type: EntryFile, Path: "/other/", Name: "readme", Size: 100}, false},
		{"different name", Entry{Type: EntryFile, Path: "/docs/", Name: "other", Size: 100}, false},
		{"different size", Entry{Type: EntryFile, Path: "/docs/", Name: "readme", Size: 99}, false},
	}

	for _, test := range tests {
		if got := base.SameEntry(test.other); got != test.want {
			t.Errorf("%s: SameEntry = %v, want %v", test.name, got, test.want)
		}
	}
}
