// Package queue implements TelegramQueue: the single ingress/egress point
// for telegrams moving between the bus (via the cemi handler), process-
// internal devices, and registered subscribers. Outgoing bus traffic is
// rate limited; telegrams addressed to internal (process-local) addresses
// bypass both the bus transport and the rate limiter.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
)

// DefaultRate is a conventional outgoing telegram rate, in telegrams per
// second. New does not apply it: the rate passed to New is used as given.
const DefaultRate = 20

// ErrStopped is returned by Enqueue once the queue has been stopped.
var ErrStopped = errors.New("queue: stopped")

// Sender transmits an outgoing telegram to the bus and waits for its cEMI
// confirmation — the contract the cemi Handler exposes.
type Sender interface {
	SendTelegram(ctx context.Context, tg telegram.Telegram) error
}

// Logger is the minimal structured-logging surface queue depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Subscription is a registered telegram-received callback, returned by
// Subscribe so callers can later Unsubscribe.
type Subscription struct {
	id int
}

type subscriber struct {
	id             int
	callback       func(telegram.Telegram)
	matchAll       bool
	matchOutgoing  bool
	addressFilters []telegram.Filter
	groupAddresses []address.Group
}

func (s *subscriber) isWithinFilter(tg telegram.Telegram) bool {
	if !s.matchOutgoing && tg.Direction == telegram.Outgoing {
		return false
	}
	if s.matchAll {
		return true
	}
	if !tg.IsGroupAddressed() && !tg.IsInternal() {
		return false
	}
	for _, f := range s.addressFilters {
		if f.Match(tg.Destination) {
			return true
		}
	}
	if ga, ok := tg.Destination.(address.Group); ok {
		for _, g := range s.groupAddresses {
			if g == ga {
				return true
			}
		}
	}
	return false
}

// SubscribeOption configures a Subscribe call.
type SubscribeOption func(*subscriber)

// WithAddressFilters restricts the callback to telegrams whose destination
// matches one of the given filters.
func WithAddressFilters(filters ...telegram.Filter) SubscribeOption {
	return func(s *subscriber) {
		s.matchAll = false
		s.addressFilters = append(s.addressFilters, filters...)
	}
}

// WithGroupAddresses restricts the callback to telegrams destined for one
// of the given exact group addresses.
func WithGroupAddresses(addrs ...address.Group) SubscribeOption {
	return func(s *subscriber) {
		s.matchAll = false
		s.groupAddresses = append(s.groupAddresses, addrs...)
	}
}

// WithOutgoingMatch also invokes the callback for outgoing telegrams (by
// default only incoming telegrams are delivered).
func WithOutgoingMatch() SubscribeOption {
	return func(s *subscriber) { s.matchOutgoing = true }
}

// Queue is the central telegram queue: one ingress channel accepting both
// incoming and outgoing telegrams, a rate-limited egress path to the bus,
// and a fan-out of matching telegrams to registered subscribers.
type Queue struct {
	sender Sender
	log    Logger
	rate   int // telegrams per second; 0 disables rate limiting

	incoming chan telegram.Telegram
	outgoing chan telegram.Telegram

	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      int

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Queue. rate is the outgoing telegram rate in telegrams
// per second; 0 disables rate limiting.
func New(sender Sender, log Logger, rate int) *Queue {
	return &Queue{
		sender:   sender,
		log:      log,
		rate:     rate,
		incoming: make(chan telegram.Telegram, 64),
		outgoing: make(chan telegram.Telegram, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the queue's consumer and rate-limited sender goroutines.
func (q *Queue) Start() {
	q.wg.Add(2)
	go q.consume()
	go q.sendOutgoing()
}

// Stop signals the consumer and sender goroutines to exit and waits for
// them. Telegrams still buffered in the queue when Stop is called are
// not processed.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}

// Enqueue submits a telegram for processing: incoming telegrams are
// dispatched to subscribers immediately; outgoing telegrams are placed on
// the rate-limited egress path.
func (q *Queue) Enqueue(tg telegram.Telegram) error {
	select {
	case q.incoming <- tg:
		return nil
	case <-q.done:
		return ErrStopped
	}
}

// Subscribe registers a callback for telegrams received from the bus (and,
// if WithOutgoingMatch is given, telegrams queued for transmission too).
// With no filtering options the callback matches every telegram.
func (q *Queue) Subscribe(callback func(telegram.Telegram), opts ...SubscribeOption) Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	sub := &subscriber{id: q.nextID, callback: callback, matchAll: true}
	for _, opt := range opts {
		opt(sub)
	}
	q.subscribers = append(q.subscribers, sub)
	return Subscription{id: sub.id}
}

// Unsubscribe removes a previously registered callback.
func (q *Queue) Unsubscribe(sub Subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subscribers {
		if s.id == sub.id {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) consume() {
	defer q.wg.Done()
	for {
		select {
		case tg := <-q.incoming:
			if tg.Direction == telegram.Incoming {
				q.processIncoming(tg)
			} else {
				select {
				case q.outgoing <- tg:
				case <-q.done:
					return
				}
			}
		case <-q.done:
			return
		}
	}
}

func (q *Queue) processIncoming(tg telegram.Telegram) {
	q.log.Debug("incoming telegram", "telegram", tg.String())
	q.runSubscribers(tg)
}

func (q *Queue) sendOutgoing() {
	defer q.wg.Done()
	var tick <-chan time.Time
	var ticker *time.Ticker
	if q.rate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(q.rate))
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case tg := <-q.outgoing:
			q.processOutgoing(tg, tick)
		case <-q.done:
			return
		}
	}
}

func (q *Queue) processOutgoing(tg telegram.Telegram, tick <-chan time.Time) {
	q.log.Debug("outgoing telegram", "telegram", tg.String())

	if !tg.IsInternal() {
		if tick != nil {
			select {
			case <-tick:
			case <-q.done:
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.sender.SendTelegram(ctx, tg); err != nil {
			q.log.Warn("sending outgoing telegram failed", "telegram", tg.String(), "error", err)
			return
		}
	}

	q.runSubscribers(tg)
}

func (q *Queue) runSubscribers(tg telegram.Telegram) {
	q.mu.RLock()
	matching := make([]*subscriber, 0, len(q.subscribers))
	for _, s := range q.subscribers {
		if s.isWithinFilter(tg) {
			matching = append(matching, s)
		}
	}
	q.mu.RUnlock()

	for _, s := range matching {
		s.callback(tg)
	}
}
