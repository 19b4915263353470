package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/ollama"
	"github.com/mattjh/verba/store"
	"github.com/mattjh/verba/testutil"
)

func testKey(t *testing.T, st *store.Store) Key {
	t.Helper()
	ctx := context.Background()

	p := testutil.CreateProject(t, st, "cache-test")
	if err := st.ReplaceSegments(ctx, p.ID, []store.Segment{
		{Start: 0, End: 2, Text: "a sentence worth explaining"},
	}); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}
	segs, err := st.Segments(ctx, p.ID)
	if err != nil {
		t.Fatalf("Segments() error = %v", err)
	}
	return Key{SegmentID: segs[0].ID, Model: "llama3", Language: "English"}
}

func TestCache_MissCallsEngineOnceAndStores(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()
	rec := testutil.Record(t, bus)

	streamer := &testutil.ScriptedStreamer{Tokens: []ollama.Token{
		{Text: "It "}, {Text: "means "}, {Text: "this."},
	}}
	c := New(st, bus, streamer.TextStream, nil)

	key := testKey(t, st)
	outcome := <-c.GetOrRequest(context.Background(), key, "explain it")
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v", outcome.Err)
	}
	if outcome.Text != "It means this." {
		t.Errorf("Text = %q, want %q", outcome.Text, "It means this.")
	}
	if outcome.Cached {
		t.Error("first request reported as cached")
	}
	if streamer.Calls() != 1 {
		t.Errorf("engine calls = %d, want 1", streamer.Calls())
	}

	// Result is durable.
	e, err := st.Explanation(context.Background(), key)
	if err != nil {
		t.Fatalf("Explanation() error = %v", err)
	}
	if e.Text != "It means this." {
		t.Errorf("stored Text = %q, want %q", e.Text, "It means this.")
	}

	// Tokens streamed through the bus.
	waitForEvents(t, rec, event.TypeExplanationToken, 3)
	waitForEvents(t, rec, event.TypeExplanationReady, 1)
}

func TestCache_HitServesWithoutEngineCall(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()
	rec := testutil.Record(t, bus)

	streamer := &testutil.ScriptedStreamer{Tokens: []ollama.Token{{Text: "fresh"}}}
	c := New(st, bus, streamer.TextStream, nil)

	key := testKey(t, st)
	if err := st.UpsertExplanation(context.Background(), key, "already here"); err != nil {
		t.Fatalf("UpsertExplanation() error = %v", err)
	}

	outcome := <-c.GetOrRequest(context.Background(), key, "explain it")
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v", outcome.Err)
	}
	if outcome.Text != "already here" {
		t.Errorf("Text = %q, want stored text", outcome.Text)
	}
	if !outcome.Cached {
		t.Error("hit not reported as cached")
	}
	if streamer.Calls() != 0 {
		t.Errorf("engine calls = %d, want 0", streamer.Calls())
	}

	waitForEvents(t, rec, event.TypeExplanationReady, 1)
	if toks := rec.OfType(event.TypeExplanationToken); len(toks) != 0 {
		t.Errorf("hit streamed %d tokens, want 0", len(toks))
	}
}

func TestCache_ConcurrentRequestsShareOneCall(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()

	block := make(chan struct{})
	streamer := &testutil.ScriptedStreamer{
		Tokens: []ollama.Token{{Text: "shared "}, {Text: "answer"}},
		Block:  block,
	}
	c := New(st, bus, streamer.TextStream, nil)
	key := testKey(t, st)

	const callers = 8
	outcomes := make([]<-chan Outcome, callers)
	var launched sync.WaitGroup
	launched.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			outcomes[i] = c.GetOrRequest(context.Background(), key, "explain it")
			launched.Done()
		}(i)
	}
	launched.Wait()

	// Release the stalled stream once every caller is attached.
	close(block)

	var delivered int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(ch <-chan Outcome) {
			defer wg.Done()
			o := <-ch
			if o.Err != nil {
				t.Errorf("outcome.Err = %v", o.Err)
				return
			}
			if o.Text != "shared answer" {
				t.Errorf("Text = %q, want %q", o.Text, "shared answer")
			}
			atomic.AddInt32(&delivered, 1)
		}(outcomes[i])
	}
	wg.Wait()

	if delivered != callers {
		t.Errorf("delivered = %d, want %d", delivered, callers)
	}
	if streamer.Calls() != 1 {
		t.Errorf("engine calls = %d, want exactly 1", streamer.Calls())
	}
}

func TestCache_FailureCachesNothing(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()

	boom := errors.New("model exploded")
	streamer := &testutil.ScriptedStreamer{
		Tokens: []ollama.Token{{Text: "partial "}},
		Err:    boom,
	}
	c := New(st, bus, streamer.TextStream, nil)
	key := testKey(t, st)

	outcome := <-c.GetOrRequest(context.Background(), key, "explain it")
	if !errors.Is(outcome.Err, boom) {
		t.Fatalf("outcome.Err = %v, want %v", outcome.Err, boom)
	}

	if _, err := st.Explanation(context.Background(), key); !errors.Is(err, store.ErrExplanationNotFound) {
		t.Errorf("failed call left a cache entry: err = %v", err)
	}

	// A retry triggers a fresh engine call.
	streamer.Err = nil
	outcome = <-c.GetOrRequest(context.Background(), key, "explain it")
	if outcome.Err != nil {
		t.Fatalf("retry outcome.Err = %v", outcome.Err)
	}
	if streamer.Calls() != 2 {
		t.Errorf("engine calls = %d, want 2", streamer.Calls())
	}
}

func TestCache_ContendedInvalidationsCallEngineOncePerMiss(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()

	streamer := &testutil.ScriptedStreamer{Tokens: []ollama.Token{{Text: "regenerated"}}}
	c := New(st, bus, streamer.TextStream, nil)
	key := testKey(t, st)

	// Repeatedly invalidate and re-request under contention. A request
	// whose store lookup predates a finishing call's write must find the
	// stored result when it takes over the in-flight slot, never start a
	// redundant second call.
	const rounds = 25
	for r := 0; r < rounds; r++ {
		if err := c.Invalidate(context.Background(), key.SegmentID); err != nil {
			t.Fatalf("Invalidate() error = %v", err)
		}

		const callers = 4
		outcomes := make([]<-chan Outcome, callers)
		var launched sync.WaitGroup
		launched.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				outcomes[i] = c.GetOrRequest(context.Background(), key, "explain it")
				launched.Done()
			}(i)
		}
		launched.Wait()

		for _, ch := range outcomes {
			o := <-ch
			if o.Err != nil {
				t.Fatalf("round %d outcome.Err = %v", r, o.Err)
			}
			if o.Text != "regenerated" {
				t.Fatalf("round %d Text = %q", r, o.Text)
			}
		}
	}

	if streamer.Calls() != rounds {
		t.Errorf("engine calls = %d, want %d (one per invalidation)", streamer.Calls(), rounds)
	}
}

func TestCache_Invalidate(t *testing.T) {
	st := testutil.OpenStore(t)
	bus := event.NewBus()
	defer bus.Close()

	streamer := &testutil.ScriptedStreamer{Tokens: []ollama.Token{{Text: "v1"}}}
	c := New(st, bus, streamer.TextStream, nil)
	key := testKey(t, st)

	if o := <-c.GetOrRequest(context.Background(), key, "explain it"); o.Err != nil {
		t.Fatalf("outcome.Err = %v", o.Err)
	}
	if err := c.Invalidate(context.Background(), key.SegmentID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	if o := <-c.GetOrRequest(context.Background(), key, "explain it"); o.Err != nil {
		t.Fatalf("outcome.Err = %v", o.Err)
	} else if o.Cached {
		t.Error("request after invalidation served from cache")
	}
	if streamer.Calls() != 2 {
		t.Errorf("engine calls = %d, want 2 after invalidation", streamer.Calls())
	}
}

func waitForEvents(t *testing.T, rec *testutil.EventRecorder, typ event.Type, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.OfType(typ)) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %d", n, typ, len(rec.OfType(typ)))
}
