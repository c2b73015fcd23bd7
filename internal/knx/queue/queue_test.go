package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type recordingSender struct {
	mu   sync.Mutex
	sent []telegram.Telegram
}

func (s *recordingSender) SendTelegram(ctx context.Context, tg telegram.Telegram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, tg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueIncomingDispatchesToSubscribers(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, nopLogger{}, 0)
	q.Start()
	defer q.Stop()

	var got telegram.Telegram
	received := false
	q.Subscribe(func(tg telegram.Telegram) { got = tg; received = true })

	tg := telegram.New(address.NewGroup(1), telegram.Incoming, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	if err := q.Enqueue(tg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return received })
	if got.Destination != tg.Destination {
		t.Errorf("callback received wrong telegram")
	}
}

func TestEnqueueOutgoingSendsToBus(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, nopLogger{}, 0)
	q.Start()
	defer q.Stop()

	tg := telegram.New(address.NewGroup(1), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	if err := q.Enqueue(tg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
}

func TestInternalDestinationBypassesBus(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, nopLogger{}, 0)
	q.Start()
	defer q.Stop()

	received := false
	q.Subscribe(func(telegram.Telegram) { received = true }, WithOutgoingMatch())

	internal, err := address.ParseInternal("i-scene-1")
	if err != nil {
		t.Fatal(err)
	}
	tg := telegram.New(internal, telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	if err := q.Enqueue(tg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return received })
	if sender.count() != 0 {
		t.Errorf("internal telegram must not be sent to the bus, got %d sends", sender.count())
	}
}

func TestSubscribeWithAddressFiltersRestrictsMatches(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, nopLogger{}, 0)
	q.Start()
	defer q.Stop()

	filter, err := telegram.ParseFilter("1/2/*")
	if err != nil {
		t.Fatal(err)
	}
	matched := 0
	q.Subscribe(func(telegram.Telegram) { matched++ }, WithAddressFilters(filter))

	inFilter := telegram.New(address.NewGroup(0x0A02), telegram.Incoming, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
	outOfFilter := telegram.New(address.NewGroup(0x0001), telegram.Incoming, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})

	if err := q.Enqueue(inFilter); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(outOfFilter); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if matched != 1 {
		t.Errorf("matched = %d, want 1", matched)
	}
}

func TestRateLimiting(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, nopLogger{}, 100) // 100/s -> 10ms spacing
	q.Start()
	defer q.Stop()

	start := time.Now()
	for i := 0; i < 3; i++ {
		tg := telegram.New(address.NewGroup(uint16(i+1)), telegram.Outgoing, apci.GroupValueWrite{Payload: apci.SmallPayload(1)})
		if err := q.Enqueue(tg); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, time.Second, func() bool { return sender.count() == 3 })
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected rate limiting to space out sends, elapsed only %v", elapsed)
	}
}
