package grpcx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cwrk-planet/collab-service/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Sessions interface {
	Snapshot(sessionID string) (domain.Session, error)
	Sessions() []domain.SessionSummary
}

type Server struct {
	sessions Sessions
}

func NewServer(sessions Sessions) *Server {
	return &Server{sessions: sessions}
}

func (s *Server) GetSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(in.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "session id is required")
	}
	sess, err := s.sessions.Snapshot(id)
	if err != nil {
		return nil, mapErr(err)
	}
	return toStruct(sess)
}

func (s *Server) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(struct {
		Sessions []domain.SessionSummary `json:"sessions"`
	}{Sessions: s.sessions.Sessions()})
}

// toStruct goes through JSON so the wire shape matches the REST and websocket payloads.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidIdentity):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
