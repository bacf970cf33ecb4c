package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

type runLog struct {
	seq    int64
	events []Event
	subs   map[*subscriber]struct{}
	closed bool
}

// Bus is the in-process event hub. It keeps a replay log per run so late
// subscribers (a websocket opened after the run started) see every event.
type Bus struct {
	mu     sync.Mutex
	runs   map[string]*runLog
	buffer int
	now    func() time.Time
	logger *zap.Logger
	next   Sink
}

// NewBus returns a Bus that forwards every event to next (which may be nil).
func NewBus(next Sink, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		runs:   make(map[string]*runLog),
		buffer: DefaultSubscriberBuffer,
		now:    time.Now,
		logger: logger,
		next:   next,
	}
}

func (b *Bus) log(runID string) *runLog {
	l, ok := b.runs[runID]
	if !ok {
		l = &runLog{subs: make(map[*subscriber]struct{})}
		b.runs[runID] = l
	}
	return l
}

// Publish stamps e, appends it to the run's log and delivers it. A subscriber
// whose buffer is full misses the event; the downstream sink error is returned.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	l := b.log(e.RunID)
	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	l.events = append(l.events, e)
	for s := range l.subs {
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("run_id", e.RunID), zap.String("kind", string(e.Kind)), zap.Int64("seq", e.Seq))
		}
	}
	if e.Terminal() {
		l.closed = true
		for s := range l.subs {
			close(s.ch)
		}
		l.subs = make(map[*subscriber]struct{})
	}
	b.mu.Unlock()

	if b.next != nil {
		return b.next.Publish(ctx, e)
	}
	return nil
}

// Subscribe returns the events published so far for runID and a channel of
// the ones that follow. The channel is closed after the terminal event or
// when cancel is called. For a finished run the channel is already closed.
func (b *Bus) Subscribe(runID string) (replay []Event, live <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.log(runID)
	replay = append([]Event(nil), l.events...)
	s := &subscriber{ch: make(chan Event, b.buffer)}
	if l.closed {
		close(s.ch)
		return replay, s.ch, func() {}
	}
	l.subs[s] = struct{}{}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := l.subs[s]; ok {
				delete(l.subs, s)
				close(s.ch)
			}
		})
	}
	return replay, s.ch, cancel
}

// History returns a copy of the run's event log.
func (b *Bus) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.runs[runID]
	if !ok {
		return nil
	}
	return append([]Event(nil), l.events...)
}

// Forget drops the replay log of a finished run.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.runs[runID]; ok {
		for s := range l.subs {
			close(s.ch)
		}
		delete(b.runs, runID)
	}
}
