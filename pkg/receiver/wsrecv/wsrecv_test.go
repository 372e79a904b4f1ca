package wsrecv

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ndisrc/pkg/audio"
)

// newTestPublisher starts an httptest server backed by a Publisher and
// returns the publisher plus the server's host:port.
func newTestPublisher(t *testing.T, stream string) (*Publisher, string) {
	t.Helper()
	pub := NewPublisher(stream)
	srv := httptest.NewServer(pub)
	t.Cleanup(func() {
		pub.Close()
		srv.Close()
	})
	return pub, strings.TrimPrefix(srv.URL, "http://")
}

func dialTest(t *testing.T, stream, addr string) *Receiver {
	t.Helper()
	rx, err := NewDialer().Dial(context.Background(), stream, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = rx.Close() })
	return rx.(*Receiver)
}

func TestCodec_AudioFrame(t *testing.T) {
	in := audio.Frame{Kind: audio.KindAudio, Audio: &audio.AudioFrame{
		Timestamp:  123456789,
		SampleRate: 48000,
		Channels:   2,
		NoSamples:  3,
		Data:       []float32{0.1, 0.2, 0.3, -0.1, -0.2, -0.3},
	}}

	out, err := DecodeFrame(EncodeFrame(in))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if out.Kind != audio.KindAudio || out.Audio == nil {
		t.Fatalf("kind = %v, audio = %v", out.Kind, out.Audio)
	}
	a := out.Audio
	if a.Timestamp != 123456789 || a.SampleRate != 48000 || a.Channels != 2 || a.NoSamples != 3 {
		t.Errorf("header mismatch: %+v", a)
	}
	for i, want := range in.Audio.Data {
		if a.Data[i] != want {
			t.Errorf("sample %d = %v, want %v", i, a.Data[i], want)
		}
	}
}

func TestCodec_NonAudioKinds(t *testing.T) {
	for _, k := range []audio.FrameKind{audio.KindNone, audio.KindVideo, audio.KindMetadata, audio.KindError} {
		out, err := DecodeFrame(EncodeFrame(audio.Frame{Kind: k}))
		if err != nil {
			t.Fatalf("%v: DecodeFrame: %v", k, err)
		}
		if out.Kind != k {
			t.Errorf("kind = %v, want %v", out.Kind, k)
		}
	}
}

func TestCodec_Malformed(t *testing.T) {
	if _, err := DecodeFrame([]byte{wireAudio, 1, 2}); err == nil {
		t.Error("expected error for short header")
	}

	msg := EncodeFrame(audio.Frame{Kind: audio.KindAudio, Audio: &audio.AudioFrame{
		SampleRate: 48000, Channels: 2, NoSamples: 4, Data: make([]float32, 8),
	}})
	if _, err := DecodeFrame(msg[:len(msg)-4]); err == nil {
		t.Error("expected error for truncated payload")
	}

	bad := EncodeFrame(audio.Frame{Kind: audio.KindAudio, Audio: &audio.AudioFrame{SampleRate: 48000}})
	if _, err := DecodeFrame(bad); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestReceiver_CapturesPublishedAudio(t *testing.T) {
	pub, addr := newTestPublisher(t, "STUDIO")
	rx := dialTest(t, "STUDIO", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.WaitForSubscriber(ctx); err != nil {
		t.Fatalf("WaitForSubscriber: %v", err)
	}

	frame := audio.Frame{Kind: audio.KindAudio, Audio: &audio.AudioFrame{
		Timestamp: 1000, SampleRate: 48000, Channels: 1, NoSamples: 2, Data: []float32{0.5, -0.5},
	}}
	if err := pub.Send(ctx, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := rx.CaptureNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("CaptureNext: %v", err)
	}
	if got.Kind != audio.KindAudio || got.Audio.Timestamp != 1000 {
		t.Errorf("got %v ts=%v, want audio ts=1000", got.Kind, got.Audio)
	}
}

func TestReceiver_TimeoutYieldsNone(t *testing.T) {
	_, addr := newTestPublisher(t, "S")
	rx := dialTest(t, "S", addr)

	start := time.Now()
	got, err := rx.CaptureNext(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("CaptureNext: %v", err)
	}
	if got.Kind != audio.KindNone {
		t.Errorf("kind = %v, want none", got.Kind)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, expected to wait for the timeout", elapsed)
	}
}

func TestReceiver_ContextCancel(t *testing.T) {
	_, addr := newTestPublisher(t, "S")
	rx := dialTest(t, "S", addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rx.CaptureNext(ctx, time.Second); err == nil {
		t.Fatal("expected context error")
	}
}

func TestReceiver_PublisherGoneYieldsErrors(t *testing.T) {
	pub, addr := newTestPublisher(t, "S")
	rx := dialTest(t, "S", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.WaitForSubscriber(ctx); err != nil {
		t.Fatalf("WaitForSubscriber: %v", err)
	}
	pub.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f, err := rx.CaptureNext(ctx, 100*time.Millisecond)
		if err != nil {
			if f.Kind != audio.KindError {
				t.Errorf("kind = %v, want error", f.Kind)
			}
			return
		}
	}
	t.Fatal("receiver never reported the lost connection")
}

func TestReceiver_LostConnectionKeepsCadence(t *testing.T) {
	pub, addr := newTestPublisher(t, "S")
	rx := dialTest(t, "S", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.WaitForSubscriber(ctx); err != nil {
		t.Fatalf("WaitForSubscriber: %v", err)
	}
	pub.Close()
	select {
	case <-rx.done:
	case <-ctx.Done():
		t.Fatal("read loop did not notice the lost connection")
	}

	const timeout = 150 * time.Millisecond
	for range 3 {
		start := time.Now()
		f, err := rx.CaptureNext(ctx, timeout)
		elapsed := time.Since(start)
		if err == nil || f.Kind != audio.KindError {
			t.Fatalf("CaptureNext = (%v, %v), want error frame", f.Kind, err)
		}
		if elapsed < timeout-20*time.Millisecond {
			t.Errorf("CaptureNext returned after %v, want about %v", elapsed, timeout)
		}
	}

	// Cancellation still ends the wait early.
	cctx, ccancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer ccancel()
	start := time.Now()
	if _, err := rx.CaptureNext(cctx, 2*time.Second); err == nil {
		t.Error("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled CaptureNext took %v", elapsed)
	}
}

func TestReceiver_CaptureAfterClose(t *testing.T) {
	_, addr := newTestPublisher(t, "S")
	rx := dialTest(t, "S", addr)
	_ = rx.Close()

	_, err := rx.CaptureNext(context.Background(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestDial_UnknownStream(t *testing.T) {
	_, addr := newTestPublisher(t, "S")
	if _, err := NewDialer().Dial(context.Background(), "OTHER", addr); err == nil {
		t.Fatal("expected dial error for unknown stream")
	}
}

func TestDial_EmptyAddress(t *testing.T) {
	if _, err := NewDialer().Dial(context.Background(), "S", ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestEnqueue_DropsOldest(t *testing.T) {
	r := &Receiver{frames: make(chan audio.Frame, 2)}
	for ts := range uint64(4) {
		r.enqueue(audio.Frame{Kind: audio.KindAudio, Audio: &audio.AudioFrame{Timestamp: ts}})
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", r.Dropped())
	}
	first := <-r.frames
	if first.Audio.Timestamp != 2 {
		t.Errorf("oldest kept ts = %d, want 2", first.Audio.Timestamp)
	}
}

func TestBuildURL(t *testing.T) {
	d := NewDialer(WithPath("/ndi"), WithScheme("wss"))
	got := d.buildURL("HOST (Chan 1)", "10.0.0.5:5961")
	want := "wss://10.0.0.5:5961/ndi?stream=HOST+%28Chan+1%29"
	if got != want {
		t.Errorf("buildURL = %q, want %q", got, want)
	}
}
