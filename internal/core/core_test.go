package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/perun-emu/perun/internal/shm"
)

// fillCore writes a counter byte across the whole frame each update and
// records the input words it sampled.
type fillCore struct {
	updates int
	inputs  []uint32
	fail    error
}

func (c *fillCore) Update(input uint32, video []byte, audio []int16) error {
	if c.fail != nil {
		return c.fail
	}
	c.updates++
	c.inputs = append(c.inputs, input)
	for i := range video {
		video[i] = byte(c.updates)
	}
	return nil
}

func openPair(t *testing.T) (*shm.Region, *shm.Region) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perun_core_test")
	host, err := shm.Create(path, 32, 32)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	prod, err := shm.OpenProducer(path, 32, 32)
	if err != nil {
		t.Fatalf("OpenProducer: %v", err)
	}
	t.Cleanup(func() { _ = prod.Close() })
	return host, prod
}

func TestRuntime_PublishesFramesAndSamplesInputs(t *testing.T) {
	host, prod := openPair(t)
	host.WriteInputs(0x00A5)

	c := &fillCore{}
	rt := NewRuntime(prod, c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Drain a few frames the way the relay poller would.
	var buf []byte
	got := 0
	deadline := time.Now().Add(3 * time.Second)
	for got < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only drained %d frames", got)
		}
		if _, _, ok := host.ReadFrameInto(&buf); ok {
			got++
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.updates < 3 {
		t.Fatalf("core stepped %d times", c.updates)
	}
	for i, in := range c.inputs {
		if in != 0x00A5 {
			t.Fatalf("update %d sampled input 0x%08x", i, in)
		}
	}
}

func TestRuntime_RecoverableErrorContinues(t *testing.T) {
	_, prod := openPair(t)
	c := &fillCore{fail: fmt.Errorf("%w: transient decode", ErrRecoverable)}
	rt := NewRuntime(prod, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Run(ctx); err != nil {
		t.Fatalf("recoverable error must not end the loop: %v", err)
	}
}

func TestRuntime_FatalErrorStops(t *testing.T) {
	_, prod := openPair(t)
	fatal := errors.New("rom corrupted")
	c := &fillCore{fail: fatal}
	rt := NewRuntime(prod, c, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rt.Run(ctx)
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestDefaultShmPath(t *testing.T) {
	if got := DefaultShmPath("invaders"); got != "/dev/shm/perun_invaders" {
		t.Fatalf("got %q", got)
	}
}
