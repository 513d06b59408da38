package accounting

import "testing"

func TestRingAverageRotate(t *testing.T) {
	r := NewRingAverage(10) // sum = 50

	if got := r.Sum(); got != 50 {
		t.Fatalf("initial sum = %d, want 50", got)
	}

	displaced, sum := r.Rotate(0)
	if displaced != 10 {
		t.Fatalf("displaced = %d, want 10", displaced)
	}
	if sum != 40 {
		t.Fatalf("sum after rotate = %d, want 40", sum)
	}

	// Rotate through the full window with zeros; sum should reach 0.
	for i := 0; i < WindowSize-1; i++ {
		r.Rotate(0)
	}
	if got := r.Sum(); got != 0 {
		t.Fatalf("sum after full rotation = %d, want 0", got)
	}
}

func TestAtomicCounterLoadAndZero(t *testing.T) {
	var c AtomicCounter
	c.Add(7)
	c.Add(3)

	got := c.LoadAndZero()
	if got != 10 {
		t.Fatalf("LoadAndZero = %d, want 10", got)
	}
	if c.Load() != 0 {
		t.Fatalf("counter not zeroed after LoadAndZero")
	}
}

func TestAtomicCounterSwap(t *testing.T) {
	var c AtomicCounter
	c.Store(5)
	old := c.Swap(42)
	if old != 5 {
		t.Fatalf("Swap returned %d, want 5", old)
	}
	if c.Load() != 42 {
		t.Fatalf("Load after swap = %d, want 42", c.Load())
	}
}
