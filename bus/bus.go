// Package bus implements the in-process publish/subscribe message bus that
// connects agents. Every agent owns a bounded mailbox; publishing delivers a
// message to every mailbox except the sender's, subject to mention filtering.
// A bounded rolling history supports filtered retrieval for observers outside
// the core (e.g. a UI relay).
package bus

import (
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
)

// MessageType categorizes a bus message.
type MessageType string

// The message type vocabulary.
const (
	TypeChat            MessageType = "chat"
	TypeSystem          MessageType = "system"
	TypeAgentStatus     MessageType = "agent_status"
	TypeThought         MessageType = "thought"
	TypeTaskAssigned    MessageType = "task_assigned"
	TypeReviewRequest   MessageType = "review_request"
	TypeReviewResult    MessageType = "review_result"
	TypeTestResult      MessageType = "test_result"
	TypeApprovalRequest MessageType = "approval_request"
	TypeApprovalResult  MessageType = "approval_response"
	TypeTerminalOutput  MessageType = "terminal_output"
	TypeFileUpdate      MessageType = "file_update"
	TypeHandoff         MessageType = "handoff"
	TypeAskHelp         MessageType = "ask_help"
	TypeShareInsight    MessageType = "share_insight"
	TypeProposeApproach MessageType = "propose_approach"
	TypeMissionComplete MessageType = "mission_complete"
)

// broadcastTypes always deliver to every mailbox regardless of mentions.
var broadcastTypes = map[MessageType]struct{}{
	TypeSystem:       {},
	TypeAgentStatus:  {},
	TypeTaskAssigned: {},
}

// Message is an immutable bus message. Once published it is never mutated;
// history hands out copies.
type Message struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Sender     string         `json:"sender"`
	SenderRole string         `json:"sender_role"`
	Type       MessageType    `json:"type"`
	Content    string         `json:"content"`
	Data       map[string]any `json:"data,omitempty"`
	Mentions   []string       `json:"mentions,omitempty"`
	Channel    string         `json:"channel"`
}

// Mentioned reports whether agentID appears in the message's mention list.
func (m Message) Mentioned(agentID string) bool {
	for _, id := range m.Mentions {
		if id == agentID {
			return true
		}
	}
	return false
}

// HistoryFilter selects messages from the rolling history.
type HistoryFilter struct {
	Channel string
	Type    MessageType
	Limit   int
}

// Options configures a Bus.
type Options struct {
	// MaxHistory bounds the rolling message history. Oldest entries are
	// dropped first.
	MaxHistory int
	// MailboxSize bounds each agent mailbox. Delivery to a full mailbox
	// drops the message and logs, never blocks the publisher.
	MailboxSize int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Bus is the in-memory pub/sub message bus. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]chan Message
	history   []Message
	observers map[int]func(Message)
	nextObs   int

	maxHistory  int
	mailboxSize int
	logger      logging.Logger
}

// New constructs a Bus. Zero options get sensible defaults (500 history
// entries, 256 slot mailboxes).
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{MaxHistory: 500, MailboxSize: 256, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Bus{
		mailboxes:   make(map[string]chan Message),
		observers:   make(map[int]func(Message)),
		maxHistory:  opts.MaxHistory,
		mailboxSize: opts.MailboxSize,
		logger:      opts.Logger,
	}
}

// Subscribe creates (or replaces) the mailbox for agentID and returns its
// receive side.
func (b *Bus) Subscribe(agentID string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, b.mailboxSize)
	b.mailboxes[agentID] = ch
	return ch
}

// Unsubscribe removes the mailbox for agentID. Pending messages are
// discarded.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mailboxes, agentID)
}

// RegisterObserver attaches a callback invoked for every published message,
// after mailbox delivery. Observers are for out-of-core relays; they run on
// the publisher's goroutine and must be fast. The returned func cancels the
// registration.
func (b *Bus) RegisterObserver(fn func(Message)) func() {
	b.mu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish finalizes the message (ID, timestamp, default channel), appends it
// to history and delivers it to every mailbox except the sender's. If the
// message carries mentions, only mentioned agents receive it unless its type
// is in the broadcast allowlist. Delivery is non-blocking; a full mailbox
// drops the message with a warning.
func (b *Bus) Publish(msg Message) Message {
	msg.ID = core.NewID()
	msg.Timestamp = time.Now().UTC()
	if msg.Channel == "" {
		msg.Channel = "general"
	}
	if msg.Type == "" {
		msg.Type = TypeChat
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}

	_, broadcast := broadcastTypes[msg.Type]
	for agentID, mailbox := range b.mailboxes {
		if agentID == msg.Sender {
			continue
		}
		if len(msg.Mentions) > 0 && !broadcast && !msg.Mentioned(agentID) {
			continue
		}
		select {
		case mailbox <- msg:
		default:
			b.logger.Warn("mailbox full, dropping message", "agent_id", agentID, "type", string(msg.Type))
		}
	}
	observers := make([]func(Message), 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.mu.Unlock()

	for _, fn := range observers {
		fn(msg)
	}
	b.logger.Debug("published", "sender", msg.Sender, "type", string(msg.Type))
	return msg
}

// History returns recent messages matching the filter, oldest first. A zero
// Limit defaults to 50.
func (b *Bus) History(f HistoryFilter) []Message {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Message, 0, f.Limit)
	for _, m := range b.history {
		if f.Channel != "" && m.Channel != f.Channel {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		out = append(out, m)
	}
	if len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// AgentHistory returns messages relevant to one agent: sent by it, mentioning
// it, or unaddressed broadcasts.
func (b *Bus) AgentHistory(agentID string, limit int) []Message {
	if limit <= 0 {
		limit = 20
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	for _, m := range b.history {
		if m.Sender == agentID || m.Mentioned(agentID) || len(m.Mentions) == 0 {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
