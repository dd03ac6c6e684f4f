package gateway

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
)

type handlerKey struct {
	taskType protocol.TaskType
	algo     protocol.AlgorithmType
}

// WSGateway is a websocket-based Gateway: one client connection per peer
// agency, each Message framed as a single binary frame.
type WSGateway struct {
	dialer   *websocket.Dialer
	peerAddr map[string]string // agencyID -> ws URL

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[handlerKey]func(*protocol.Message)
}

func NewWSGateway(peerAddr map[string]string) *WSGateway {
	return &WSGateway{
		dialer:   websocket.DefaultDialer,
		peerAddr: peerAddr,
		conns:    make(map[string]*websocket.Conn),
		handlers: make(map[handlerKey]func(*protocol.Message)),
	}
}

func (g *WSGateway) RegisterHandler(taskType protocol.TaskType, algo protocol.AlgorithmType, handler func(*protocol.Message)) {
	g.handlersMu.Lock()
	g.handlers[handlerKey{taskType, algo}] = handler
	g.handlersMu.Unlock()
}

func (g *WSGateway) NotifyTaskInfo(taskID string) error { return nil }

func (g *WSGateway) connFor(agencyID string) (*websocket.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[agencyID]; ok {
		return c, nil
	}
	addr, ok := g.peerAddr[agencyID]
	if !ok {
		return nil, errs.Newf(errs.PeerNodeDown, "no address registered for agency %s", agencyID)
	}
	conn, _, err := g.dialer.Dial(addr, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.PeerNodeDown, "dial "+addr)
	}
	g.conns[agencyID] = conn
	go g.readLoop(agencyID, conn)
	return conn, nil
}

func (g *WSGateway) readLoop(agencyID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn("ws connection closed", "agency", agencyID, "err", err)
			g.mu.Lock()
			delete(g.conns, agencyID)
			g.mu.Unlock()
			return
		}
		msg := &protocol.Message{}
		if _, err := msg.Decode(data); err != nil {
			log.Warn("dropping malformed ws frame", "agency", agencyID, "err", err)
			continue
		}
		g.handlersMu.RLock()
		handler := g.handlers[handlerKey{msg.TaskType, msg.AlgorithmType}]
		g.handlersMu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (g *WSGateway) AsyncSendMessage(ctx context.Context, agencyID string, msg *protocol.Message, callback SendCallback) {
	go func() {
		conn, err := g.connFor(agencyID)
		if err != nil {
			callback(err)
			return
		}
		buf, err := msg.Encode()
		if err != nil {
			callback(errs.Wrap(err, errs.NetworkError, "encode message"))
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			callback(errs.Wrap(err, errs.NetworkError, "write ws frame"))
			return
		}
		callback(nil)
	}()
}

func (g *WSGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for agency, conn := range g.conns {
		_ = conn.Close()
		delete(g.conns, agency)
	}
	return nil
}
