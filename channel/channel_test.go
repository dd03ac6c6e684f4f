package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testMessage(msgType protocol.MessageType, seq uint32) *protocol.Message {
	return &protocol.Message{
		TaskID:      "T_123456",
		Sender:      "1001",
		MessageType: msgType,
		Seq:         seq,
		Data:        []byte("aaaaaaaaaa"),
	}
}

// TestChannelMessageThenWait mirrors the C++ suite's seq=5 case: the
// message arrives before anyone is waiting for it, so it must be
// buffered and handed to the first matching wait.
func TestChannelMessageThenWait(t *testing.T) {
	ch := NewChannel("T_123456")
	ch.OnMessageArrived(4, testMessage(4, 5))

	var got *protocol.Message
	var wg sync.WaitGroup
	wg.Add(1)
	ch.AsyncReceiveMessage(4, 5, time.Second, func(err error, msg *protocol.Message) {
		defer wg.Done()
		require.NoError(t, err)
		got = msg
	})
	wg.Wait()
	require.Equal(t, uint32(5), got.Seq)
	require.Equal(t, "1001", got.Sender)
}

// TestChannelWaitThenMessage mirrors the seq=6 case: the wait is
// registered first, then satisfied by a later arrival.
func TestChannelWaitThenMessage(t *testing.T) {
	ch := NewChannel("T_123456")

	var got *protocol.Message
	var wg sync.WaitGroup
	wg.Add(1)
	ch.AsyncReceiveMessage(4, 6, time.Second, func(err error, msg *protocol.Message) {
		defer wg.Done()
		require.NoError(t, err)
		got = msg
	})
	ch.OnMessageArrived(4, testMessage(4, 6))
	wg.Wait()
	require.Equal(t, uint32(6), got.Seq)
}

// TestChannelWaitTimesOut mirrors the seq=7 case: nothing ever arrives,
// so the handler fires with a Timeout error once the wait expires.
func TestChannelWaitTimesOut(t *testing.T) {
	ch := NewChannel("T_123456")

	var wg sync.WaitGroup
	wg.Add(1)
	ch.AsyncReceiveMessage(4, 7, 20*time.Millisecond, func(err error, msg *protocol.Message) {
		defer wg.Done()
		require.Error(t, err)
		require.Equal(t, errs.Timeout, errs.CodeOf(err))
		require.Nil(t, msg)
	})
	wg.Wait()
}

// TestChannelNeverInvokesHandlerTwice is the invariant spec.md §8 S3
// calls out: once a handler fires (by message or by timeout) it must
// never fire again, even if a duplicate message for the same key arrives
// afterward.
func TestChannelNeverInvokesHandlerTwice(t *testing.T) {
	ch := NewChannel("T_123456")

	calls := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	ch.AsyncReceiveMessage(4, 9, time.Second, func(err error, msg *protocol.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		wg.Done()
	})
	ch.OnMessageArrived(4, testMessage(4, 9))
	wg.Wait()

	// A second, unrelated arrival for the same key must just be
	// buffered, not re-trigger the already-consumed handler.
	ch.OnMessageArrived(4, testMessage(4, 9))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}
