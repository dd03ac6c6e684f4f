package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/protocol"
)

// TestWSGatewaySendDeliversToPeer spins up a tiny peer over a real
// websocket connection and checks that a sent Message reaches it as one
// binary frame that Decode turns back into the same TaskID and
// MessageType.
func TestWSGatewaySendDeliversToPeer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan *protocol.Message, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		msg := &protocol.Message{}
		_, err = msg.Decode(data)
		require.NoError(t, err)
		received <- msg
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	gw := NewWSGateway(map[string]string{"peer-1": wsURL})
	defer gw.Close()

	msg := protocol.NewMessage(1, protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, protocol.MsgPingPeer, "T_1", "self")

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	gw.AsyncSendMessage(context.Background(), "peer-1", msg, func(err error) {
		sendErr = err
		wg.Done()
	})
	wg.Wait()
	require.NoError(t, sendErr)

	select {
	case got := <-received:
		require.Equal(t, "T_1", got.TaskID)
		require.Equal(t, protocol.MsgPingPeer, got.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the message")
	}
}

func TestWSGatewaySendToUnknownAgencyFails(t *testing.T) {
	gw := NewWSGateway(map[string]string{})
	defer gw.Close()

	msg := protocol.NewMessage(1, protocol.TaskTypePSI, protocol.AlgoEcdhPSI2PC, protocol.MsgPingPeer, "T_1", "self")

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	gw.AsyncSendMessage(context.Background(), "nobody", msg, func(err error) {
		sendErr = err
		wg.Done()
	})
	wg.Wait()
	require.Error(t, sendErr)
}
