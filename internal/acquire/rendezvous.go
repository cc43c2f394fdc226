package acquire

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Rendezvous gates each software or pulsed trigger. Wait blocks until
// the next trigger may fire, the context is cancelled, or the operator
// asks to stop (ErrStopRequested).
type Rendezvous interface {
	Wait(ctx context.Context, cycle uint64) error
}

// Pulser fires an external trigger source wired to a hardware-line
// primary.
type Pulser interface {
	Pulse() error
}

// Immediate never waits.
type Immediate struct{}

func (Immediate) Wait(ctx context.Context, _ uint64) error {
	return ctx.Err()
}

// Interval paces triggers at a fixed period, measured from the previous
// trigger. Zero period is Immediate.
type Interval struct {
	Period time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewInterval(period time.Duration) *Interval {
	return &Interval{Period: period}
}

func (iv *Interval) Wait(ctx context.Context, _ uint64) error {
	iv.mu.Lock()
	var d time.Duration
	if !iv.last.IsZero() {
		d = iv.Period - time.Since(iv.last)
	}
	iv.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	iv.mu.Lock()
	iv.last = time.Now()
	iv.mu.Unlock()
	return nil
}

var (
	ErrGateClosed = errors.New("acquire: trigger gate closed")
	ErrGateFull   = errors.New("acquire: trigger queue full")
)

// Gate lets another goroutine release triggers one at a time, such as
// an HTTP handler. Requests made while nobody waits are queued up to
// the gate capacity.
type Gate struct {
	fire chan struct{}
	done chan struct{}
	once sync.Once
}

func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{fire: make(chan struct{}, capacity), done: make(chan struct{})}
}

// Fire requests one trigger. It fails when the gate is closed or the
// queue is full.
func (g *Gate) Fire() error {
	select {
	case <-g.done:
		return ErrGateClosed
	default:
	}
	select {
	case g.fire <- struct{}{}:
		return nil
	default:
		return ErrGateFull
	}
}

// Close makes the waiting loop stop as if the operator asked to.
func (g *Gate) Close() {
	g.once.Do(func() { close(g.done) })
}

// Wait serves queued triggers before noticing Close.
func (g *Gate) Wait(ctx context.Context, _ uint64) error {
	select {
	case <-g.fire:
		return nil
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopRequested
	case <-g.fire:
		return nil
	}
}
