package commander

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/partsdial/commander/overseer"
)

// recordingHandler captures event delivery order per quote request.
type recordingHandler struct {
	mu    sync.Mutex
	seen  map[string][]int
	total int
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev overseer.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq, _ := ev.Float("seq")
	h.seen[ev.QuoteRequestID] = append(h.seen[ev.QuoteRequestID], int(seq))
	h.total++
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// TestDispatcherPerRequestOrdering publishes interleaved events for two
// requests and verifies each request's events arrive strictly in enqueue
// order.
func TestDispatcherPerRequestOrdering(t *testing.T) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = overseer.EnsureStream(ctx, js, time.Hour)
	require.NoError(t, err)

	publisher := overseer.NewPublisher(js, nil)
	const perRequest = 5
	for seq := 0; seq < perRequest; seq++ {
		for _, req := range []string{"req-a", "req-b"} {
			err := publisher.Publish(ctx, overseer.Event{
				CallID:         fmt.Sprintf("call-%s", req),
				QuoteRequestID: req,
				EventType:      overseer.EventQuoteExtracted,
				Timestamp:      time.Now(),
				Data:           map[string]any{"seq": seq},
			})
			require.NoError(t, err)
		}
	}

	handler := &recordingHandler{seen: make(map[string][]int)}
	d := NewDispatcher(js, handler, nil)
	require.NoError(t, d.Start(ctx))
	t.Cleanup(d.Stop)

	deadline := time.After(10 * time.Second)
	for handler.count() < 2*perRequest {
		select {
		case <-deadline:
			t.Fatalf("timed out: %d of %d events handled", handler.count(), 2*perRequest)
		case <-time.After(20 * time.Millisecond):
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for req, seqs := range handler.seen {
		require.Len(t, seqs, perRequest, "request %s", req)
		for i, seq := range seqs {
			require.Equal(t, i, seq, "request %s: events out of order: %v", req, seqs)
		}
	}
}
