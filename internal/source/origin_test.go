package source

import (
	"sync"
	"testing"
	"time"
)

func TestOrigin_LatchOnce(t *testing.T) {
	o := NewOrigin()
	if _, ok := o.Value(); ok {
		t.Fatal("new origin already latched")
	}

	var wg sync.WaitGroup
	results := make([]time.Duration, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.Latch(func() time.Duration { return time.Duration(i+1) * time.Second })
		}()
	}
	wg.Wait()

	v, ok := o.Value()
	if !ok {
		t.Fatal("origin not latched")
	}
	for i, r := range results {
		if r != v {
			t.Errorf("caller %d got %v, want %v", i, r, v)
		}
	}
	if got := o.Latch(func() time.Duration { return time.Hour }); got != v {
		t.Errorf("later Latch = %v, want %v", got, v)
	}
}

func TestDefaultOrigin_Shared(t *testing.T) {
	if DefaultOrigin() != DefaultOrigin() {
		t.Error("DefaultOrigin returned different instances")
	}
}
