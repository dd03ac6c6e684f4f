package channel

import (
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// HoldingMessageTimeout bounds how long a message can sit buffered for a
// task whose Channel has not been built yet. The original's
// HOLDING_MESSAGE_TIMEOUT_M constant wasn't among the retrieved sources;
// 10 minutes matches the rest of the node's task-lifecycle timeouts.
const HoldingMessageTimeout = 10 * time.Minute

type holdingMessages struct {
	messages []*protocol.Message
	timer    *time.Timer
}

// Manager fans incoming gateway messages out to per-task Channels,
// buffering messages that arrive before their task's Channel has been
// built (spec.md §5 — e.g. the peer races ahead to send the handshake
// request before this side finishes admission).
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel
	holding  map[string]*holdingMessages
}

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		holding:  make(map[string]*holdingMessages),
	}
}

// BuildChannelForTask creates (or replaces) the Channel for taskID and
// replays any messages that were held waiting for it.
func (m *Manager) BuildChannelForTask(taskID string) *Channel {
	log.Info("buildChannelForTask", "taskID", taskID)

	m.mu.Lock()
	ch := NewChannel(taskID)
	m.channels[taskID] = ch

	held, ok := m.holding[taskID]
	if ok {
		held.timer.Stop()
		delete(m.holding, taskID)
	}
	m.mu.Unlock()

	if ok {
		for _, msg := range held.messages {
			ch.OnMessageArrived(msg.MessageType, msg)
		}
	}
	return ch
}

// ChannelFor returns the Channel already built for taskID, or nil if the
// task hasn't been admitted (or has already finished).
func (m *Manager) ChannelFor(taskID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[taskID]
}

// RemoveChannelByTask drops a finished task's Channel.
func (m *Manager) RemoveChannelByTask(taskID string) {
	log.Info("removeChannelByTask", "taskID", taskID)
	m.mu.Lock()
	delete(m.channels, taskID)
	m.mu.Unlock()
}

// OnMessageArrived is the gateway dispatch entry point: route msg to its
// task's Channel, or buffer it (bounded by HoldingMessageTimeout) if the
// task hasn't built one yet.
func (m *Manager) OnMessageArrived(msg *protocol.Message) {
	m.mu.Lock()
	ch, ok := m.channels[msg.TaskID]
	if ok {
		m.mu.Unlock()
		ch.OnMessageArrived(msg.MessageType, msg)
		return
	}

	held, ok := m.holding[msg.TaskID]
	if ok {
		held.messages = append(held.messages, msg)
		m.mu.Unlock()
		return
	}

	taskID := msg.TaskID
	held = &holdingMessages{messages: []*protocol.Message{msg}}
	held.timer = time.AfterFunc(HoldingMessageTimeout, func() {
		m.mu.Lock()
		delete(m.holding, taskID)
		m.mu.Unlock()
	})
	m.holding[taskID] = held
	m.mu.Unlock()
}
