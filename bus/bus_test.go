package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Message) []Message {
	var out []Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestPublishFillsMetadata(t *testing.T) {
	b := New()
	msg := b.Publish(Message{Sender: "developer", Content: "hi"})

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, "general", msg.Channel)
	assert.Equal(t, TypeChat, msg.Type)
}

func TestPublishExcludesSender(t *testing.T) {
	b := New()
	dev := b.Subscribe("developer")
	rev := b.Subscribe("reviewer")

	b.Publish(Message{Sender: "developer", Type: TypeChat, Content: "done"})

	assert.Empty(t, drain(dev), "sender must not receive its own message")
	require.Len(t, drain(rev), 1)
}

func TestMentionFiltering(t *testing.T) {
	b := New()
	dev := b.Subscribe("developer")
	rev := b.Subscribe("reviewer")
	tst := b.Subscribe("tester")

	b.Publish(Message{
		Sender:   "orchestrator",
		Type:     TypeChat,
		Content:  "please review",
		Mentions: []string{"reviewer"},
	})

	assert.Empty(t, drain(dev))
	assert.Empty(t, drain(tst))
	require.Len(t, drain(rev), 1)
}

func TestBroadcastTypesIgnoreMentions(t *testing.T) {
	b := New()
	dev := b.Subscribe("developer")
	rev := b.Subscribe("reviewer")

	// task_assigned is on the broadcast allowlist: everyone sees it even
	// though only the developer is mentioned.
	b.Publish(Message{
		Sender:   "orchestrator",
		Type:     TypeTaskAssigned,
		Content:  "new task",
		Mentions: []string{"developer"},
	})

	require.Len(t, drain(dev), 1)
	require.Len(t, drain(rev), 1)
}

func TestFullMailboxDropsInsteadOfBlocking(t *testing.T) {
	b := New(func(o *Options) { o.MailboxSize = 2 })
	dev := b.Subscribe("developer")

	for i := 0; i < 5; i++ {
		b.Publish(Message{Sender: "orchestrator", Type: TypeChat, Content: fmt.Sprintf("m%d", i)})
	}

	got := drain(dev)
	require.Len(t, got, 2)
	assert.Equal(t, "m0", got[0].Content)
	assert.Equal(t, "m1", got[1].Content)
}

func TestHistoryBound(t *testing.T) {
	b := New(func(o *Options) { o.MaxHistory = 3 })
	for i := 0; i < 10; i++ {
		b.Publish(Message{Sender: "a", Type: TypeChat, Content: fmt.Sprintf("m%d", i)})
	}

	got := b.History(HistoryFilter{Limit: 100})
	require.Len(t, got, 3)
	assert.Equal(t, "m7", got[0].Content)
	assert.Equal(t, "m9", got[2].Content)
}

func TestHistoryFilterByType(t *testing.T) {
	b := New()
	b.Publish(Message{Sender: "a", Type: TypeChat, Content: "chat"})
	b.Publish(Message{Sender: "a", Type: TypeThought, Content: "thinking"})
	b.Publish(Message{Sender: "a", Type: TypeChat, Content: "more chat"})

	got := b.History(HistoryFilter{Type: TypeThought})
	require.Len(t, got, 1)
	assert.Equal(t, "thinking", got[0].Content)
}

func TestAgentHistory(t *testing.T) {
	b := New()
	b.Publish(Message{Sender: "developer", Type: TypeChat, Content: "mine"})
	b.Publish(Message{Sender: "orchestrator", Type: TypeChat, Content: "for dev", Mentions: []string{"developer"}})
	b.Publish(Message{Sender: "orchestrator", Type: TypeChat, Content: "for reviewer", Mentions: []string{"reviewer"}})
	b.Publish(Message{Sender: "tester", Type: TypeChat, Content: "broadcast"})

	got := b.AgentHistory("developer", 10)
	require.Len(t, got, 3)
	assert.Equal(t, "mine", got[0].Content)
	assert.Equal(t, "for dev", got[1].Content)
	assert.Equal(t, "broadcast", got[2].Content)
}

func TestObserverCancel(t *testing.T) {
	b := New()
	var seen []Message
	cancel := b.RegisterObserver(func(m Message) { seen = append(seen, m) })

	b.Publish(Message{Sender: "a", Type: TypeChat, Content: "one"})
	cancel()
	b.Publish(Message{Sender: "a", Type: TypeChat, Content: "two"})

	require.Len(t, seen, 1)
	assert.Equal(t, "one", seen[0].Content)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	dev := b.Subscribe("developer")
	b.Unsubscribe("developer")

	b.Publish(Message{Sender: "a", Type: TypeChat, Content: "gone"})
	assert.Empty(t, drain(dev))
}
