package wsrecv

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/ndisrc/pkg/audio"
	"github.com/coder/websocket"
)

// Publisher is the sending side of the wire protocol: an [http.Handler] that
// accepts WebSocket subscribers for one named stream and broadcasts frames to
// all of them. It backs the tone generator command and the package tests.
type Publisher struct {
	streamName string

	mu     sync.Mutex
	subs   map[*websocket.Conn]struct{}
	joined chan struct{}
}

// NewPublisher creates a [Publisher] serving streamName. Subscribers asking
// for a different stream are rejected with 404.
func NewPublisher(streamName string) *Publisher {
	return &Publisher{
		streamName: streamName,
		subs:       make(map[*websocket.Conn]struct{}),
		joined:     make(chan struct{}, 1),
	}
}

// ServeHTTP implements [http.Handler].
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("stream"); name != p.streamName {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("wsrecv: publisher accept failed", "err", err)
		return
	}

	p.mu.Lock()
	p.subs[conn] = struct{}{}
	p.mu.Unlock()
	select {
	case p.joined <- struct{}{}:
	default:
	}
	slog.Debug("wsrecv: subscriber joined", "stream_name", p.streamName, "remote", r.RemoteAddr)

	// CloseRead discards incoming messages and cancels once the peer is gone.
	<-conn.CloseRead(context.Background()).Done()

	p.mu.Lock()
	delete(p.subs, conn)
	p.mu.Unlock()
	conn.CloseNow()
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// WaitForSubscriber blocks until at least one subscriber is connected.
func (p *Publisher) WaitForSubscriber(ctx context.Context) error {
	for {
		if p.Subscribers() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.joined:
		}
	}
}

// Send broadcasts f to every subscriber. Subscribers that fail to receive
// are dropped; the joined error of those failures is returned.
func (p *Publisher) Send(ctx context.Context, f audio.Frame) error {
	msg := EncodeFrame(f)

	p.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(p.subs))
	for c := range p.subs {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageBinary, msg); err != nil {
			errs = append(errs, err)
			p.mu.Lock()
			delete(p.subs, c)
			p.mu.Unlock()
			c.CloseNow()
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every subscriber.
func (p *Publisher) Close() {
	p.mu.Lock()
	conns := p.subs
	p.subs = make(map[*websocket.Conn]struct{})
	p.mu.Unlock()
	for c := range conns {
		c.Close(websocket.StatusGoingAway, "publisher closed")
	}
}
