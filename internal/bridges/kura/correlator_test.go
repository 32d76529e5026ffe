package kura

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// testRequest builds a request on topic "req/<kind>" replying on "reply/<id>".
func testRequest(kind RequestKind, onReply func([]byte), onFailure func(error)) Request {
	return Request{
		Kind:       kind,
		Topic:      "req/" + string(kind),
		ReplyTopic: func(id string) string { return "reply/" + id },
		Payload:    func(id string) ([]byte, error) { return []byte(id), nil },
		OnReply:    onReply,
		OnFailure:  onFailure,
	}
}

func TestCorrelator_SubscribesBeforePublishing(t *testing.T) {
	m := NewMockTransport()
	c := NewCorrelator(m, 1, RetryPolicy{}, nil)

	id, err := c.Issue(testRequest(RequestAssets, func([]byte) {}, nil))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if len(id) != 32 {
		t.Errorf("correlation id %q is not 32 hex digits", id)
	}
	if !m.HasSubscription("reply/" + id) {
		t.Error("reply topic not subscribed")
	}
	pubs := m.GetPublished()
	if len(pubs) != 1 || pubs[0].Topic != "req/assets" || string(pubs[0].Payload) != id || pubs[0].QoS != 1 {
		t.Errorf("published = %+v", pubs)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestCorrelator_ReplyHandledOnce(t *testing.T) {
	m := NewMockTransport()
	c := NewCorrelator(m, 0, RetryPolicy{}, nil)

	var calls int
	id, err := c.Issue(testRequest(RequestRead, func(p []byte) {
		calls++
		if string(p) != "answer" {
			t.Errorf("reply payload = %q", p)
		}
	}, nil))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	topic := "reply/" + id

	if err := m.SimulateMessage(topic, []byte("answer")); err != nil {
		t.Fatal(err)
	}
	// A duplicate delivery on the same topic, straight to the handler as a
	// broker with a stale subscription would do.
	if err := c.handleReply(topic, []byte("answer")); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("OnReply called %d times, want 1", calls)
	}
	if n := m.UnsubscribeCount(topic); n != 1 {
		t.Errorf("reply topic unsubscribed %d times, want 1", n)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestCorrelator_ConcurrentIDsAreUnique(t *testing.T) {
	const n = 500
	m := NewMockTransport()
	c := NewCorrelator(m, 0, RetryPolicy{}, nil)

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Issue(testRequest(RequestRead, func([]byte) {}, nil))
			if err != nil {
				t.Errorf("Issue() error = %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
	if c.Pending() != n {
		t.Errorf("Pending() = %d, want %d", c.Pending(), n)
	}
}

func TestCorrelator_DiscardByKind(t *testing.T) {
	m := NewMockTransport()
	c := NewCorrelator(m, 0, RetryPolicy{}, nil)

	assetsID, _ := c.Issue(testRequest(RequestAssets, func([]byte) { t.Error("discarded reply delivered") }, nil))
	writeID, _ := c.Issue(testRequest(RequestWrite, func([]byte) {}, nil))

	c.Discard(RequestAssets, RequestRead)

	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	if m.HasSubscription("reply/" + assetsID) {
		t.Error("discarded reply topic still subscribed")
	}
	if !m.HasSubscription("reply/" + writeID) {
		t.Error("write reply topic was discarded")
	}

	// Late reply for the discarded request is dropped.
	if err := c.handleReply("reply/"+assetsID, nil); err != nil {
		t.Fatal(err)
	}

	// No kinds discards everything, as Session.Stop does.
	c.Discard()
	if c.Pending() != 0 {
		t.Errorf("Pending() after Discard() = %d", c.Pending())
	}
	if m.HasSubscription("reply/" + writeID) {
		t.Error("write reply topic still subscribed")
	}
}

func TestCorrelator_TransportErrors(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		m := NewMockTransport()
		m.subscribeErr = errors.New("broker gone")
		c := NewCorrelator(m, 0, RetryPolicy{}, nil)

		if _, err := c.Issue(testRequest(RequestAssets, func([]byte) {}, nil)); err == nil {
			t.Fatal("Issue() expected error")
		}
		if c.Pending() != 0 || len(m.GetPublished()) != 0 {
			t.Error("failed subscribe left state behind")
		}
	})

	t.Run("publish", func(t *testing.T) {
		m := NewMockTransport()
		m.publishErr = errors.New("broker gone")
		c := NewCorrelator(m, 0, RetryPolicy{}, nil)

		if _, err := c.Issue(testRequest(RequestAssets, func([]byte) {}, nil)); err == nil {
			t.Fatal("Issue() expected error")
		}
		if c.Pending() != 0 || m.SubscriptionCount() != 0 {
			t.Error("failed publish left the reply topic subscribed")
		}
	})

	t.Run("payload", func(t *testing.T) {
		m := NewMockTransport()
		c := NewCorrelator(m, 0, RetryPolicy{}, nil)
		req := testRequest(RequestAssets, func([]byte) {}, nil)
		req.Payload = func(string) ([]byte, error) { return nil, errors.New("encode") }

		if _, err := c.Issue(req); err == nil {
			t.Fatal("Issue() expected error")
		}
		if m.SubscriptionCount() != 0 {
			t.Error("payload failure subscribed the reply topic")
		}
	})
}

func TestCorrelator_RetriesThenFails(t *testing.T) {
	m := NewMockTransport()
	policy := RetryPolicy{
		Timeout:        20 * time.Millisecond,
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
	c := NewCorrelator(m, 0, policy, nil)

	failed := make(chan error, 1)
	id, err := c.Issue(testRequest(RequestAssets, func([]byte) { t.Error("unexpected reply") }, func(err error) {
		failed <- err
	}))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, ErrRequestFailed) {
			t.Errorf("failure error = %v, want ErrRequestFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail")
	}

	pubs := m.PublishedTo("req/assets")
	if len(pubs) != 3 {
		t.Fatalf("published %d times, want 3", len(pubs))
	}
	for _, p := range pubs {
		if string(p.Payload) != id {
			t.Errorf("retry used payload %q, want same correlation id %q", p.Payload, id)
		}
	}
	if n := m.UnsubscribeCount("reply/" + id); n != 1 {
		t.Errorf("reply topic unsubscribed %d times, want 1", n)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestCorrelator_ReplyAfterRetryStopsTimer(t *testing.T) {
	m := NewMockTransport()
	policy := RetryPolicy{Timeout: 10 * time.Millisecond, MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	c := NewCorrelator(m, 0, policy, nil)

	replied := make(chan struct{}, 1)
	id, err := c.Issue(testRequest(RequestRead, func([]byte) { replied <- struct{}{} }, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	}))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(m.PublishedTo("req/read")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("request was never retried")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := m.SimulateMessage("reply/"+id, []byte("late")); err != nil {
		t.Fatal(err)
	}
	<-replied

	published := len(m.PublishedTo("req/read"))
	time.Sleep(50 * time.Millisecond)
	if got := len(m.PublishedTo("req/read")); got > published+1 {
		t.Errorf("request kept retrying after reply: %d publishes", got)
	}
}
