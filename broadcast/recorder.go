package broadcast

import (
	"context"
	"sync"
)

// Recorder is an in-memory Gateway that captures published messages.
// Intended for tests asserting on exactly-which-events-fired.
type Recorder struct {
	mu       sync.Mutex
	messages []*Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the message.
func (r *Recorder) Publish(ctx context.Context, channel string, msg *Message) error {
	cp := *msg
	cp.Channel = channel
	r.mu.Lock()
	r.messages = append(r.messages, &cp)
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of all recorded messages in publish order.
func (r *Recorder) Messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// ByKind returns recorded messages of the given kind.
func (r *Recorder) ByKind(kind Kind) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
