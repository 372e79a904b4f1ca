package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ndisrc/internal/source"
	"github.com/MrWong99/ndisrc/pkg/receiver"
	"github.com/MrWong99/ndisrc/pkg/receiver/mock"
	"github.com/go-audio/wav"
)

// scripted returns a receiver that yields one frame for negotiation, then
// n frames of audio, then nothing.
func scripted(n int) *mock.Receiver {
	rx := &mock.Receiver{}
	rx.Push(mock.Audio(1000, 48000, 2, 480))
	for i := range n {
		rx.Push(mock.Audio(uint64(2000+i*1000), 48000, 2, 480))
	}
	return rx
}

func newTestRunner(t *testing.T, dialer receiver.Dialer, sink Sink, threshold int, policy RestartPolicy) *Runner {
	t.Helper()
	mgr := receiver.NewManager(dialer)
	t.Cleanup(func() { _ = mgr.Close() })

	r, err := NewRunner(Config{
		Name:           "test",
		Settings:       source.Settings{StreamName: "HOST (Test)", LossThreshold: threshold},
		PrerollTimeout: 200 * time.Millisecond,
		Restart:        policy,
		Manager:        mgr,
		Sink:           sink,
		Origin:         source.NewOrigin(),
		PollTimeout:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	mgr := receiver.NewManager(&mock.Dialer{})
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{Manager: mgr, Sink: &DiscardSink{}}},
		{"missing manager", Config{Name: "a", Sink: &DiscardSink{}}},
		{"missing sink", Config{Name: "a", Manager: mgr}},
		{"bad threshold", Config{Name: "a", Manager: mgr, Sink: &DiscardSink{}, Settings: source.Settings{LossThreshold: 61}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunner_EndOfStream(t *testing.T) {
	sink := &DiscardSink{}
	r := newTestRunner(t, &mock.Dialer{DialResult: scripted(2)}, sink, 1, RestartPolicy{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.Buffers() != 2 {
		t.Errorf("buffers = %d, want 2", sink.Buffers())
	}
	if want := int64(2 * 480 * 2 * 2); sink.Bytes() != want {
		t.Errorf("bytes = %d, want %d", sink.Bytes(), want)
	}

	st := r.Status()
	if st.Running || st.Runs != 1 || st.State != source.StateStopped {
		t.Errorf("status = %+v", st)
	}
	if st.LastError == "" {
		t.Error("last error not recorded")
	}
	if st.ID == "" || st.ID != r.ID() {
		t.Errorf("id = %q", st.ID)
	}
}

func TestRunner_RestartsAfterStreamClosed(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := &mock.Dialer{NewResult: func() receiver.Receiver {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials <= 2 {
			return scripted(2)
		}
		return scripted(0)
	}}
	sink := &DiscardSink{}
	r := newTestRunner(t, dialer, sink, 1, RestartPolicy{MaxRetries: 1, Backoff: time.Millisecond})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.Buffers() != 4 {
		t.Errorf("buffers = %d, want 4", sink.Buffers())
	}
	if got := r.Status().Runs; got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
	if dialer.CallCountDial() != 3 {
		t.Errorf("dials = %d, want 3", dialer.CallCountDial())
	}
}

func TestRunner_ConnectFailureExhaustsRetries(t *testing.T) {
	dialer := &mock.Dialer{DialError: errors.New("no route to host")}
	r := newTestRunner(t, dialer, &DiscardSink{}, 1, RestartPolicy{MaxRetries: 2, Backoff: time.Millisecond})

	err := r.Run(context.Background())
	if !errors.Is(err, source.ErrConnectFailed) {
		t.Fatalf("Run: got %v, want ErrConnectFailed", err)
	}
	if dialer.CallCountDial() != 3 {
		t.Errorf("dials = %d, want 3", dialer.CallCountDial())
	}
}

func TestRunner_CancelStops(t *testing.T) {
	rx := scripted(0)
	rx.BlockWhenEmpty = true
	sink := &DiscardSink{}
	r := newTestRunner(t, &mock.Dialer{DialResult: rx}, sink, 0, RestartPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.EmptyBuffers() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no empty buffers produced")
		}
		time.Sleep(time.Millisecond)
	}
	if !r.Ready() {
		t.Error("runner not ready while capturing")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !rx.Closed() {
		t.Error("receiver not released")
	}
}

type failingSink struct{ DiscardSink }

func (*failingSink) Configure(source.AudioInfo) error { return errors.New("disk full") }

func TestRunner_SinkFailureIsFatal(t *testing.T) {
	dialer := &mock.Dialer{NewResult: func() receiver.Receiver { return scripted(2) }}
	r := newTestRunner(t, dialer, &failingSink{}, 1, RestartPolicy{MaxRetries: 5, Backoff: time.Millisecond})

	err := r.Run(context.Background())
	if !errors.Is(err, errSink) {
		t.Fatalf("Run: got %v, want sink error", err)
	}
	if dialer.CallCountDial() != 1 {
		t.Errorf("dials = %d, want 1", dialer.CallCountDial())
	}
}

func TestRunner_WritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	sink := NewWAVSink(path)
	r := newTestRunner(t, &mock.Dialer{DialResult: scripted(3)}, sink, 1, RestartPolicy{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if buf.Format.SampleRate != 48000 || buf.Format.NumChannels != 2 {
		t.Errorf("format = %+v", buf.Format)
	}
	if got, want := len(buf.Data), 3*480*2; got != want {
		t.Errorf("samples = %d, want %d", got, want)
	}
}

func TestRunner_HostClock(t *testing.T) {
	r := newTestRunner(t, &mock.Dialer{DialResult: scripted(0)}, &DiscardSink{}, 1, RestartPolicy{})
	if r.BaseTime() != 0 {
		t.Errorf("base time before playing = %v", r.BaseTime())
	}
	a := r.ClockTime()
	time.Sleep(time.Millisecond)
	if b := r.ClockTime(); b <= a {
		t.Errorf("clock did not advance: %v then %v", a, b)
	}
}

func TestRunner_ForwardsMessages(t *testing.T) {
	var mu sync.Mutex
	var got []source.Message
	mgr := receiver.NewManager(&mock.Dialer{DialResult: scripted(1)})
	t.Cleanup(func() { _ = mgr.Close() })
	r, err := NewRunner(Config{
		Name:        "fwd",
		Settings:    source.Settings{StreamName: "s", LossThreshold: 1},
		Manager:     mgr,
		Sink:        &DiscardSink{},
		Origin:      source.NewOrigin(),
		PollTimeout: 5 * time.Millisecond,
		OnMessage: func(m source.Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var latency, closed bool
	for _, m := range got {
		if m.Source != "fwd" {
			t.Errorf("message source = %q", m.Source)
		}
		switch {
		case m.Kind == source.MessageLatency:
			latency = true
		case m.Kind == source.MessageError && m.Domain == source.ErrorResourceRead:
			closed = true
		}
	}
	if !latency || !closed {
		t.Errorf("messages = %+v", got)
	}
}

func TestRunner_ApplyLossThreshold(t *testing.T) {
	r := newTestRunner(t, &mock.Dialer{DialResult: scripted(0)}, &DiscardSink{}, 1, RestartPolicy{})
	if err := r.ApplyLossThreshold(7); err != nil {
		t.Fatalf("ApplyLossThreshold: %v", err)
	}
	if got := r.Source().LossThreshold(); got != 7 {
		t.Errorf("threshold = %d, want 7", got)
	}
	if err := r.ApplyLossThreshold(-1); !errors.Is(err, source.ErrInvalidProperty) {
		t.Errorf("got %v, want ErrInvalidProperty", err)
	}
}

func TestRestartPolicy_Backoff(t *testing.T) {
	p := RestartPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}.withDefaults()
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := p.backoff(i + 1); got != w*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	d := RestartPolicy{}.withDefaults()
	if d.Backoff != defaultBackoff || d.MaxBackoff != defaultMaxBackoff {
		t.Errorf("defaults = %+v", d)
	}
}
