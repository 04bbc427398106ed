package grpcx_test

import (
	"context"
	"net"
	"testing"

	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/internal/registry"
	grpcx "github.com/cwrk-planet/collab-service/internal/transport/grpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type nopConn struct{ id string }

func (c nopConn) ID() string                   { return c.id }
func (c nopConn) Send(ev protocol.Event) error { return nil }

func dial(t *testing.T, srv grpcx.InspectorServer) *grpcx.InspectorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor(0)))
	grpcx.RegisterInspectorServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return grpcx.NewInspectorClient(cc)
}

func TestInspector(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	require.NoError(t, reg.Join(nopConn{"c"}, protocol.JoinSession{SessionID: "demo", UserID: "a", DisplayName: "Alice"}))
	_, err := reg.RelayMessage("c", protocol.SendMessage{Content: "hi"})
	require.NoError(t, err)

	cli := dial(t, grpcx.NewServer(reg))
	ctx := context.Background()

	got, err := cli.GetSession(ctx, "demo")
	require.NoError(t, err)
	m := got.AsMap()
	assert.Equal(t, "demo", m["session_id"])
	msgs, ok := m["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].(map[string]any)["content"])

	list, err := cli.ListSessions(ctx)
	require.NoError(t, err)
	sessions := list.AsMap()["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 1, sessions[0].(map[string]any)["users"])

	_, err = cli.GetSession(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = cli.GetSession(ctx, " ")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type panicky struct{}

func (panicky) GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	panic("boom")
}

func (panicky) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	_, hasDeadline := ctx.Deadline()
	return structpb.NewStruct(map[string]any{"deadline": hasDeadline})
}

func TestInterceptor_RecoversAndGuardsDeadline(t *testing.T) {
	cli := dial(t, panicky{})

	_, err := cli.GetSession(context.Background(), "x")
	assert.Equal(t, codes.Internal, status.Code(err))

	out, err := cli.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, out.AsMap()["deadline"])
}
