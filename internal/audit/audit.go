package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is the canonical audit record for security-relevant operations.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	TokenID   string            `json:"token_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Security marks events a dispatcher must not shed under load.
	Security  bool              `json:"security,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZerologSink logs each event as one structured line. Security events are
// logged at error level, other failures at warn and the rest at info.
type ZerologSink struct {
	log zerolog.Logger
}

func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *ZerologSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	entry := s.log.Info()
	switch {
	case event.Security:
		entry = s.log.Error().Bool("security", true)
	case !event.Success:
		entry = s.log.Warn()
	}
	entry = entry.
		Time("at", event.Timestamp).
		Str("event", event.EventType).
		Bool("success", event.Success)
	if event.UserID != "" {
		entry = entry.Str("user_id", event.UserID)
	}
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.TokenID != "" {
		entry = entry.Str("token_id", event.TokenID)
	}
	if event.IP != "" {
		entry = entry.Str("ip", event.IP)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Metadata {
			dict = dict.Str(k, v)
		}
		entry = entry.Dict("metadata", dict)
	}
	entry.Msg("audit")
}
