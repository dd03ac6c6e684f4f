package gateway

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/wedpr-lab/ppc-node/errs"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
)

// rawCodec tunnels pre-encoded Message bytes through grpc without a
// generated protobuf type: the wire codec in protocol.Message already
// gives every frame a stable, versioned byte layout, so grpc's own
// message framing only needs to carry opaque bytes.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	return v.([]byte), nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	*v.(*[]byte) = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "ppc-raw" }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

const grpcStreamMethod = "/ppc.Gateway/Exchange"

var grpcStreamDesc = &grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCGateway is a gRPC-based Gateway: one bidirectional stream per peer
// agency carrying raw encoded Messages, per spec.md §5's gateway contract.
type GRPCGateway struct {
	peerAddr map[string]string // agencyID -> dial target

	mu      sync.Mutex
	streams map[string]grpc.ClientStream
	conns   map[string]*grpc.ClientConn

	handlersMu sync.RWMutex
	handlers   map[handlerKey]func(*protocol.Message)

	server *grpc.Server
}

func NewGRPCGateway(peerAddr map[string]string) *GRPCGateway {
	return &GRPCGateway{
		peerAddr: peerAddr,
		streams:  make(map[string]grpc.ClientStream),
		conns:    make(map[string]*grpc.ClientConn),
		handlers: make(map[handlerKey]func(*protocol.Message)),
	}
}

func (g *GRPCGateway) RegisterHandler(taskType protocol.TaskType, algo protocol.AlgorithmType, handler func(*protocol.Message)) {
	g.handlersMu.Lock()
	g.handlers[handlerKey{taskType, algo}] = handler
	g.handlersMu.Unlock()
}

func (g *GRPCGateway) NotifyTaskInfo(taskID string) error { return nil }

// Serve registers the raw Exchange stream handler on srv and begins
// accepting inbound peer streams; the caller owns srv's lifecycle
// (listener, graceful stop).
func (g *GRPCGateway) Serve(srv *grpc.Server) {
	g.server = srv
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ppc.Gateway",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Exchange",
			Handler:       g.handleInboundStream,
			ServerStreams: true,
			ClientStreams: true,
		}},
		Metadata: "ppc-gateway.proto",
	}, nil)
}

func (g *GRPCGateway) handleInboundStream(srv interface{}, stream grpc.ServerStream) error {
	for {
		var buf []byte
		if err := stream.RecvMsg(&buf); err != nil {
			return err
		}
		msg := &protocol.Message{}
		if _, err := msg.Decode(buf); err != nil {
			log.Warn("dropping malformed grpc frame", "err", err)
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

func (g *GRPCGateway) streamFor(ctx context.Context, agencyID string) (grpc.ClientStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.streams[agencyID]; ok {
		return s, nil
	}
	addr, ok := g.peerAddr[agencyID]
	if !ok {
		return nil, errs.Newf(errs.PeerNodeDown, "no address registered for agency %s", agencyID)
	}
	conn, err := grpc.Dial(addr, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())))
	if err != nil {
		return nil, errs.Wrap(err, errs.PeerNodeDown, "dial "+addr)
	}
	stream, err := conn.NewStream(ctx, grpcStreamDesc, grpcStreamMethod)
	if err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(err, errs.PeerNodeDown, "open stream to "+addr)
	}
	g.conns[agencyID] = conn
	g.streams[agencyID] = stream
	return stream, nil
}

func (g *GRPCGateway) AsyncSendMessage(ctx context.Context, agencyID string, msg *protocol.Message, callback SendCallback) {
	go func() {
		stream, err := g.streamFor(ctx, agencyID)
		if err != nil {
			callback(err)
			return
		}
		buf, err := msg.Encode()
		if err != nil {
			callback(errs.Wrap(err, errs.NetworkError, "encode message"))
			return
		}
		if err := stream.SendMsg(buf); err != nil {
			callback(errs.Wrap(err, errs.NetworkError, "send grpc frame"))
			return
		}
		callback(nil)
	}()
}

func (g *GRPCGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for agency, conn := range g.conns {
		_ = conn.Close()
		delete(g.conns, agency)
		delete(g.streams, agency)
	}
	if g.server != nil {
		g.server.GracefulStop()
	}
	return nil
}
