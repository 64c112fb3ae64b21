package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// replayLines is how many recent lines a new subscriber receives first,
	// so a client that connects mid-run still sees where the run is.
	replayLines = 16
)

// LogBroker fans out each run's progress lines to SSE subscribers. It is
// safe for concurrent use.
//
// A topic is closed when its run finishes. Closed topics stay as markers so
// that late subscribers get a closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	recent []string
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

func (b *LogBroker) topic(runID string) *logTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel that receives log lines for the given run and
// an unsubscribe function. The channel first replays the most recent lines.
// If the run has already finished, the returned channel is closed.
func (b *LogBroker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	for _, line := range t.recent {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a log line to all subscribers of the given run.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(runID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	if t.closed {
		return
	}

	t.recent = append(t.recent, line)
	if len(t.recent) > replayLines {
		t.recent = t.recent[len(t.recent)-replayLines:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop the line rather than stall the main thread.
		}
	}
}

// Close signals that no more logs will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	t.recent = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops everything the broker knows about a finished run. Subscribing
// afterwards opens a fresh topic, so callers only forget runs whose terminal
// state is already persisted.
func (b *LogBroker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok && t.closed {
		delete(b.topics, runID)
	}
}
