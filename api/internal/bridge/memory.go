package bridge

import (
	"context"
	"sync"
)

// Memory is an in-process Transport with the same at-most-once semantics:
// only handlers subscribed at publish time see a message. It backs tests
// and single-process development runs.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string]map[int]Handler
	nextID  int
	closed  bool
	history map[string][][]byte

	// FailPublish makes every Publish return this error when set.
	FailPublish error
}

func (m *Memory) SetFailPublish(err error) {
	m.mu.Lock()
	m.FailPublish = err
	m.mu.Unlock()
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[int]Handler{}, history: map[string][][]byte{}}
}

const memoryHistory = 100

// Published returns the last payloads published on channel, oldest first,
// whether or not anyone was subscribed.
func (m *Memory) Published(channel string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.history[channel]...)
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.FailPublish != nil {
		err := m.FailPublish
		m.mu.Unlock()
		return 0, err
	}
	hist := append(m.history[channel], append([]byte(nil), payload...))
	if len(hist) > memoryHistory {
		hist = hist[len(hist)-memoryHistory:]
	}
	m.history[channel] = hist
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ctx, Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	return int64(len(handlers)), nil
}

// Subscribe registers h and blocks until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.nextID++
	id := m.nextID
	for _, ch := range channels {
		if m.subs[ch] == nil {
			m.subs[ch] = map[int]Handler{}
		}
		m.subs[ch][id] = h
	}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	for _, ch := range channels {
		delete(m.subs[ch], id)
	}
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) NumSubscribers(_ context.Context, channel string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.subs[channel])), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = map[string]map[int]Handler{}
	return nil
}
