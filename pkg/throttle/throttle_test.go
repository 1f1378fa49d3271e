package throttle

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestLimiterNoLimit(t *testing.T) {
	l := NewLimiter(0, 0)

	start := time.Now()
	if err := l.Wait(context.Background(), 1<<30); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("unlimited limiter should not block")
	}
}

func TestLimiterBlocks(t *testing.T) {
	// 1KB/s with a 1KB burst: once the burst is spent, the next 512
	// bytes must wait ~0.5s.
	l := NewLimiter(1024, 1024)

	if err := l.Wait(context.Background(), 1024); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	start := time.Now()
	if err := l.Wait(context.Background(), 512); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("limiter did not block long enough: %v", elapsed)
	}
}

func TestLimiterContextCancel(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Wait(context.Background(), 1) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, 1024); err == nil {
		t.Error("Wait should fail when the context expires")
	}
}

func TestMeterRate(t *testing.T) {
	m := NewMeter()
	if m.Rate() != 0 {
		t.Error("idle meter should report 0")
	}

	m.Add(10 * 1024)
	if m.Rate() <= 0 {
		t.Error("meter with recent bytes should report a positive rate")
	}
}

func TestReaderMeters(t *testing.T) {
	m := NewMeter()
	src := bytes.NewReader(make([]byte, 4096))

	r := NewReader(context.Background(), src, nil, m)
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if n != 4096 {
		t.Fatalf("Copy moved %d bytes, expected 4096", n)
	}
	if m.Rate() <= 0 {
		t.Error("meter should have recorded the copied bytes")
	}
}
