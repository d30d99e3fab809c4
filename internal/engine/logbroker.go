package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// maxClosedTopics bounds how many finished jobs keep a closed marker.
const maxClosedTopics = 1024

// LogBroker fans out worker stderr lines to live subscribers, keyed by job ID.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving just after a
// job finishes gets a closed channel rather than waiting forever. Only the
// most recent maxClosedTopics markers are kept; callers should consult the job
// store for anything older.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
	closed []string
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives stderr lines for the given job and
// an unsubscribe function. If the job has already finished, the returned
// channel is closed.
func (b *LogBroker) Subscribe(jobID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[jobID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		// An open topic nobody listens to is recreated on demand.
		if !t.closed && len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends a line to all subscribers of the given job. Lines are dropped
// for subscribers whose buffers are full.
func (b *LogBroker) Publish(jobID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close signals that the job will publish no more lines. All subscriber
// channels are closed and later Subscribe calls get a closed channel.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[jobID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.closed = append(b.closed, jobID)
	if len(b.closed) > maxClosedTopics {
		evict := b.closed[0]
		b.closed = b.closed[1:]
		delete(b.topics, evict)
	}
}

// Open returns the number of topics that have not been closed.
func (b *LogBroker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics) - len(b.closed)
}
