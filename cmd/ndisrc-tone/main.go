// Command ndisrc-tone publishes a sine tone over the websocket wire format so
// that ndisrc can be tried without a real sender.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/MrWong99/ndisrc/pkg/receiver/wsrecv"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	listen := flag.String("listen", ":5961", "address to accept subscribers on")
	path := flag.String("path", "/stream", "websocket path")
	stream := flag.String("stream", "TONE (440 Hz)", "stream name to publish")
	rate := flag.Int("rate", 48000, "sample rate in Hz")
	channels := flag.Int("channels", 2, "channel count")
	samples := flag.Int("samples", 1024, "samples per channel per frame")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *rate <= 0 || *channels <= 0 || *samples <= 0 {
		fmt.Fprintln(os.Stderr, "ndisrc-tone: -rate, -channels and -samples must be positive")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub := wsrecv.NewPublisher(*stream)
	mux := http.NewServeMux()
	mux.Handle(*path, pub)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		slog.Error("listen failed", "addr", *listen, "err", err)
		return 1
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	slog.Info("publishing tone",
		"addr", ln.Addr().String(),
		"path", *path,
		"stream_name", *stream,
		"sample_rate", *rate,
		"channels", *channels,
		"no_samples", *samples,
		"freq", *freq,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		pub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		gen := &tone{rate: *rate, channels: *channels, samples: *samples, freq: *freq}
		return gen.publish(gctx, pub)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tone generator failed", "err", err)
		return 1
	}
	return 0
}

// tone generates consecutive sine frames.
type tone struct {
	rate, channels, samples int
	freq                    float64
	phase                   float64
}

// next returns the next frame stamped with ts in 100 ns ticks.
func (t *tone) next(ts uint64) audio.Frame {
	data := make([]float32, t.channels*t.samples)
	step := 2 * math.Pi * t.freq / float64(t.rate)
	for i := range t.samples {
		v := float32(0.5 * math.Sin(t.phase+step*float64(i)))
		for c := range t.channels {
			data[c*t.samples+i] = v
		}
	}
	t.phase = math.Mod(t.phase+step*float64(t.samples), 2*math.Pi)

	return audio.Frame{
		Kind: audio.KindAudio,
		Audio: &audio.AudioFrame{
			Timestamp:  ts,
			SampleRate: t.rate,
			Channels:   t.channels,
			NoSamples:  t.samples,
			Data:       data,
		},
	}
}

// publish sends one frame per frame duration until ctx ends. Frames are only
// generated while at least one subscriber is connected.
func (t *tone) publish(ctx context.Context, pub *wsrecv.Publisher) error {
	period := time.Duration(int64(time.Second) * int64(t.samples) / int64(t.rate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := pub.WaitForSubscriber(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			ts := uint64(now.UnixNano() / int64(audio.TickDuration))
			if err := pub.Send(ctx, t.next(ts)); err != nil {
				slog.Warn("dropped subscriber", "err", err)
			}
		}
	}
}
