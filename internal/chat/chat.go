// Package chat defines the narrow contract the coordination engine has
// with the chat backend: deliver a message to a channel, and set a channel
// topic. Connection management, message framing, and rate limiting belong
// to the transport behind this interface.
package chat

import (
	"context"
	"sync"
)

// Transport delivers messages and topic updates to chat channels.
type Transport interface {
	// SendMessage posts a message to the named channel.
	SendMessage(ctx context.Context, channel, message string) error

	// SetTopic replaces the named channel's topic. Topic sets are
	// rate-limited, visible side effects on most chat backends; callers
	// are expected to suppress no-op updates.
	SetTopic(ctx context.Context, channel, topic string) error
}

// Recorder is an in-memory Transport for tests. It records every message
// and the latest topic per channel.
type Recorder struct {
	mu        sync.Mutex
	messages  []Posted
	topics    map[string]string
	topicSets int
}

// Posted is one recorded SendMessage call.
type Posted struct {
	Channel string
	Message string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		topics: make(map[string]string),
	}
}

// SendMessage records the message.
func (r *Recorder) SendMessage(_ context.Context, channel, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Posted{Channel: channel, Message: message})
	return nil
}

// SetTopic records the topic.
func (r *Recorder) SetTopic(_ context.Context, channel, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[channel] = topic
	r.topicSets++
	return nil
}

// Messages returns a copy of all recorded messages.
func (r *Recorder) Messages() []Posted {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Posted, len(r.messages))
	copy(out, r.messages)
	return out
}

// MessagesTo returns the text of every message sent to channel.
func (r *Recorder) MessagesTo(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.messages {
		if p.Channel == channel {
			out = append(out, p.Message)
		}
	}
	return out
}

// Topic returns the last topic set on channel, or "".
func (r *Recorder) Topic(channel string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[channel]
}

// TopicSets returns how many SetTopic calls have been recorded.
func (r *Recorder) TopicSets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topicSets
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.topics = make(map[string]string)
	r.topicSets = 0
}
