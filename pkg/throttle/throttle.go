// Package throttle provides bandwidth limiting and transfer rate
// measurement for chunk streams.
package throttle

import (
	"context"
	"io"
	"sync"
	"time"
)

// Limiter controls the rate of data transfer with a token bucket.
type Limiter struct {
	bytesPerSecond int64
	bucket         int64
	maxBucket      int64
	lastUpdate     time.Time
	mu             sync.Mutex
}

// NewLimiter creates a new rate limiter. bytesPerSecond of 0 means no
// limit; burstSize of 0 defaults to bytesPerSecond.
func NewLimiter(bytesPerSecond, burstSize int64) *Limiter {
	if burstSize <= 0 {
		burstSize = bytesPerSecond
	}
	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		bucket:         burstSize,
		maxBucket:      burstSize,
		lastUpdate:     time.Now(),
	}
}

// SetRate updates the rate limit.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesPerSecond = bytesPerSecond
}

// Wait blocks until n bytes can be consumed.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	l.mu.Lock()

	if l.bytesPerSecond <= 0 {
		l.mu.Unlock()
		return nil
	}

	now := time.Now()
	elapsed := now.Sub(l.lastUpdate)
	l.lastUpdate = now

	l.bucket += int64(elapsed.Seconds() * float64(l.bytesPerSecond))
	if l.bucket > l.maxBucket {
		l.bucket = l.maxBucket
	}

	if l.bucket >= n {
		l.bucket -= n
		l.mu.Unlock()
		return nil
	}

	needed := n - l.bucket
	waitTime := time.Duration(float64(needed) / float64(l.bytesPerSecond) * float64(time.Second))
	l.bucket = 0
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitTime):
		return nil
	}
}

// Meter measures a transfer rate over a sliding window of one-second
// buckets.
type Meter struct {
	mu       sync.Mutex
	buckets  [5]int64
	current  int64 // unix second of buckets[0]
	firstAdd time.Time
}

// NewMeter creates an idle meter.
func NewMeter() *Meter {
	return &Meter{current: time.Now().Unix()}
}

// Add records n transferred bytes.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstAdd.IsZero() {
		m.firstAdd = time.Now()
	}
	m.advance(time.Now().Unix())
	m.buckets[0] += n
}

// Rate returns the measured transfer rate in bytes per second. A meter
// that has seen bytes within the window never reports zero.
func (m *Meter) Rate() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(time.Now().Unix())

	var total int64
	for _, b := range m.buckets {
		total += b
	}
	if total == 0 {
		return 0
	}

	seconds := int64(time.Since(m.firstAdd).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if seconds > int64(len(m.buckets)) {
		seconds = int64(len(m.buckets))
	}

	rate := total / seconds
	if rate == 0 {
		rate = 1
	}
	return rate
}

// advance shifts the window so buckets[0] covers the given second.
func (m *Meter) advance(now int64) {
	shift := now - m.current
	if shift <= 0 {
		return
	}
	if shift >= int64(len(m.buckets)) {
		m.buckets = [5]int64{}
	} else {
		copy(m.buckets[shift:], m.buckets[:int64(len(m.buckets))-shift])
		for i := int64(0); i < shift; i++ {
			m.buckets[i] = 0
		}
	}
	m.current = now
}

// Reader wraps an io.Reader with rate limiting and metering. Either may
// be nil.
type Reader struct {
	reader  io.Reader
	limiter *Limiter
	meter   *Meter
	ctx     context.Context
}

// NewReader creates a throttled, metered reader.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter, meter *Meter) *Reader {
	return &Reader{reader: r, limiter: limiter, meter: meter, ctx: ctx}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx, int64(len(p))); err != nil {
			return 0, err
		}
	}
	n, err := r.reader.Read(p)
	if n > 0 && r.meter != nil {
		r.meter.Add(int64(n))
	}
	return n, err
}
