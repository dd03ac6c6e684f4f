package ecdhpsi_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-node/channel"
	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/psi/ecdhpsi"
	"github.com/wedpr-lab/ppc-node/task"
	"github.com/wedpr-lab/ppc-node/tasktest"
)

// pump drains every Message sent on gw since cursor and hands it to the
// receiving side: a HandshakeSuccess is routed through the Channel
// (mirroring psi.Framework.onMessage's interception), everything else
// goes straight to engine.HandlePacket, exactly as Framework would
// decode-and-dispatch it.
func pump(t *testing.T, gw *tasktest.FakeGateway, cursor *int, peerChannels *channel.Manager, peerEngine *ecdhpsi.Engine, peerState *task.State) {
	t.Helper()
	sent := gw.Sent()
	for ; *cursor < len(sent); *cursor++ {
		msg := sent[*cursor]
		if msg.MessageType == protocol.MsgHandshakeSuccess {
			peerChannels.OnMessageArrived(msg)
			continue
		}
		psiMsg, err := protocol.DecodePSIMessage(msg.Data)
		require.NoError(t, err)
		require.NoError(t, peerEngine.HandlePacket(context.Background(), peerState, msg.MessageType, psiMsg))
	}
}

// TestTwoPartyRunNegotiatesAndIntersects drives a full two-party ECDH-PSI
// task to completion: client-initiated handshake negotiates the sole
// common curve/hash (P256/SHA256, spec.md scenario S1), then both sides
// blind/exchange/re-blind until the client writes the intersection.
func TestTwoPartyRunNegotiatesAndIntersects(t *testing.T) {
	registry := cryptosuite.NewRegistry(false,
		[]cryptosuite.Curve{cryptosuite.NewP256()},
		[]cryptosuite.Hash{cryptosuite.NewSHA256()},
	)

	clientInput := tasktest.WriteDataset(t, []string{"alice", "bob", "carol"})
	serverInput := tasktest.WriteDataset(t, []string{"bob", "carol", "dave"})
	clientResource := tasktest.FileResource(t, "client-res", clientInput)
	serverResource := tasktest.FileResource(t, "server-res", serverInput)

	const taskID = "task-1"
	clientTask := tasktest.MockTask(taskID, protocol.AlgoEcdhPSI2PC, "agency-a", protocol.PartyClient, clientResource, "agency-b", protocol.PartyServer, serverResource)
	serverTask := tasktest.MockTask(taskID, protocol.AlgoEcdhPSI2PC, "agency-b", protocol.PartyServer, serverResource, "agency-a", protocol.PartyClient, clientResource)

	gwClient := tasktest.NewFakeGateway()
	gwServer := tasktest.NewFakeGateway()
	chClient := channel.NewManager()
	chServer := channel.NewManager()
	chClient.BuildChannelForTask(taskID)
	chServer.BuildChannelForTask(taskID)

	clientEngine := ecdhpsi.NewEngine(gwClient, registry, "agency-a", chClient)
	serverEngine := ecdhpsi.NewEngine(gwServer, registry, "agency-b", chServer)

	var clientResult, serverResult *task.Result
	clientState := task.NewState(clientTask, func(r *task.Result) { clientResult = r })
	clientState.PeerID = "agency-b"
	serverState := task.NewState(serverTask, func(r *task.Result) { serverResult = r })
	serverState.PeerID = "agency-a"

	ctx := context.Background()
	clientCursor, serverCursor := 0, 0
	for i := 0; i < 64 && !clientState.ReadyToComplete(); i++ {
		_, err := clientEngine.Tick(ctx, clientState)
		require.NoError(t, err)
		_, err = serverEngine.Tick(ctx, serverState)
		require.NoError(t, err)

		pump(t, gwClient, &clientCursor, chServer, serverEngine, serverState)
		pump(t, gwServer, &serverCursor, chClient, clientEngine, clientState)

		if clientState.ReadyToComplete() {
			clientState.Finish(0, "", false)
		}
	}

	require.True(t, clientState.ReadyToComplete(), "client task never completed")
	require.NotNil(t, clientResult)
	require.Equal(t, task.StatusCompleted, clientResult.Status)
	_ = serverResult

	out, err := os.ReadFile(clientResource.Output.Path)
	require.NoError(t, err)
	lines := strings.Fields(string(out))
	require.ElementsMatch(t, []string{"bob", "carol"}, lines)
}

// TestHandshakeRejectsWithNoCommonCurve exercises the no-common-suite
// path: the server's registry only knows SECP256K1 while the client only
// offers P256, so onHandshakeRequest must fail the negotiation and reply
// HandshakeFailed instead of silently picking something.
func TestHandshakeRejectsWithNoCommonCurve(t *testing.T) {
	clientRegistry := cryptosuite.NewRegistry(false, []cryptosuite.Curve{cryptosuite.NewP256()}, []cryptosuite.Hash{cryptosuite.NewSHA256()})
	serverRegistry := cryptosuite.NewRegistry(false, []cryptosuite.Curve{cryptosuite.NewSECP256K1()}, []cryptosuite.Hash{cryptosuite.NewSHA256()})

	clientInput := tasktest.WriteDataset(t, []string{"alice"})
	serverInput := tasktest.WriteDataset(t, []string{"alice"})
	clientResource := tasktest.FileResource(t, "client-res", clientInput)
	serverResource := tasktest.FileResource(t, "server-res", serverInput)

	const taskID = "task-2"
	clientTask := tasktest.MockTask(taskID, protocol.AlgoEcdhPSI2PC, "agency-a", protocol.PartyClient, clientResource, "agency-b", protocol.PartyServer, serverResource)
	serverTask := tasktest.MockTask(taskID, protocol.AlgoEcdhPSI2PC, "agency-b", protocol.PartyServer, serverResource, "agency-a", protocol.PartyClient, clientResource)

	gwClient := tasktest.NewFakeGateway()
	gwServer := tasktest.NewFakeGateway()

	clientEngine := ecdhpsi.NewEngine(gwClient, clientRegistry, "agency-a", nil)
	serverEngine := ecdhpsi.NewEngine(gwServer, serverRegistry, "agency-b", nil)

	clientState := task.NewState(clientTask, func(*task.Result) {})
	clientState.PeerID = "agency-b"
	serverState := task.NewState(serverTask, func(*task.Result) {})
	serverState.PeerID = "agency-a"

	ctx := context.Background()
	_, err := clientEngine.Tick(ctx, clientState)
	require.NoError(t, err)
	_, err = serverEngine.Tick(ctx, serverState)
	require.NoError(t, err)

	require.Len(t, gwClient.Sent(), 1)
	req := gwClient.Sent()[0]
	require.Equal(t, protocol.MsgHandshakeRequest, req.MessageType)
	psiMsg, err := protocol.DecodePSIMessage(req.Data)
	require.NoError(t, err)

	err = serverEngine.HandlePacket(ctx, serverState, protocol.MsgHandshakeRequest, psiMsg)
	require.Error(t, err)

	require.Len(t, gwServer.Sent(), 1)
	resp := gwServer.Sent()[0]
	require.Equal(t, protocol.MsgHandshakeResponse, resp.MessageType)
	respMsg, err := protocol.DecodePSIMessage(resp.Data)
	require.NoError(t, err)
	require.NotZero(t, respMsg.HandshakeResp.Code)
}
