package chunker

import "testing"

func TestNewClampsChunkSize(t *testing.T) {
	if got := New(0).ChunkSize; got != DefaultChunkSize {
		t.Errorf("New(0) chunk size = %d, expected the default", got)
	}
	if got := New(1).ChunkSize; got != MinChunkSize {
		t.Errorf("New(1) chunk size = %d, expected the minimum", got)
	}
	if got := New(4 * 1024 * 1024).ChunkSize; got != 4*1024*1024 {
		t.Errorf("New should keep a sane chunk size, got %d", got)
	}
}

func TestCount(t *testing.T) {
	c := &Chunker{ChunkSize: 256}

	tests := []struct {
		fileSize int64
		expected int
	}{
		{0, 0},
		{1, 1},
		{256, 1},
		{257, 2},
		{512, 2},
		{1024, 4},
		{1025, 5},
	}

	for _, test := range tests {
		if got := c.Count(test.fileSize); got != test.expected {
			t.Errorf("Count(%d) = %d, expected %d", test.fileSize, got, test.expected)
		}
	}
}

func TestOffset(t *testing.T) {
	c := &Chunker{ChunkSize: 256}
	if got := c.Offset(0); got != 0 {
		t.Errorf("Offset(0) = %d", got)
	}
	if got := c.Offset(3); got != 768 {
		t.Errorf("Offset(3) = %d, expected 768", got)
	}
}

func TestLen(t *testing.T) {
	c := &Chunker{ChunkSize: 4}

	// 10 bytes -> chunks of 4, 4, 2.
	tests := []struct {
		index    int
		expected int64
	}{
		{0, 4},
		{1, 4},
		{2, 2},
		{3, 0},
	}

	for _, test := range tests {
		if got := c.Len(test.index, 10); got != test.expected {
			t.Errorf("Len(%d, 10) = %d, expected %d", test.index, got, test.expected)
		}
	}
}
