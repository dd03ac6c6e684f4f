// Package channel implements the per-task message rendezvous used by PSI
// engines to wait for a specific (messageType, seq) pair without blocking
// the gateway's dispatch goroutine (spec.md §5).
package channel

import (
	"sync"
	"time"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// Handler is invoked exactly once per registered wait, either with the
// message that satisfied it or with a timeout error.
type Handler func(err error, msg *protocol.Message)

type pendingHandler struct {
	handler Handler
	timer   *time.Timer
}

// Channel is a single task's (messageType, seq) rendezvous point. A
// message delivered before anyone waits for it is buffered; a wait
// registered before the message arrives is satisfied the moment
// OnMessageArrived sees it. Either side only ever triggers a handler
// once.
type Channel struct {
	taskID string

	mu       sync.Mutex
	handlers map[uint64]*pendingHandler
	messages map[uint64]*protocol.Message
}

func NewChannel(taskID string) *Channel {
	return &Channel{
		taskID:   taskID,
		handlers: make(map[uint64]*pendingHandler),
		messages: make(map[uint64]*protocol.Message),
	}
}

// AsyncReceiveMessage waits for messageType/seq, invoking handler once a
// matching message arrives or timeout elapses. timeout == 0 falls back
// to HoldingMessageTimeout.
func (c *Channel) AsyncReceiveMessage(messageType protocol.MessageType, seq uint32, timeout time.Duration, handler Handler) {
	if handler == nil {
		return
	}
	key := protocol.Key(messageType, seq)

	c.mu.Lock()
	if msg, ok := c.messages[key]; ok {
		delete(c.messages, key)
		c.mu.Unlock()
		handler(nil, msg)
		return
	}
	if timeout <= 0 {
		timeout = HoldingMessageTimeout
	}
	ph := &pendingHandler{handler: handler}
	ph.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		_, still := c.handlers[key]
		delete(c.handlers, key)
		c.mu.Unlock()
		if still {
			log.Debug("channel wait timed out", "taskID", c.taskID, "messageType", messageType, "seq", seq)
			handler(errs.New(errs.Timeout, "timeout waiting for message"), nil)
		}
	})
	c.handlers[key] = ph
	c.mu.Unlock()
}

// OnMessageArrived dispatches msg to a waiting handler, or buffers it if
// none is registered yet.
func (c *Channel) OnMessageArrived(messageType protocol.MessageType, msg *protocol.Message) {
	key := protocol.Key(messageType, msg.Seq)

	c.mu.Lock()
	ph, ok := c.handlers[key]
	if ok {
		delete(c.handlers, key)
	} else {
		c.messages[key] = msg
	}
	c.mu.Unlock()

	if ok {
		ph.timer.Stop()
		ph.handler(nil, msg)
	}
}
