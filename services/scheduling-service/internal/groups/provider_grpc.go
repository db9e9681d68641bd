//go:build protogen

package groups

import (
	"context"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/libs/grpcx"
	directoryv1 "github.com/peerplan/peerplan/protos/gen/directory/v1"
)

type grpcProvider struct {
	client directoryv1.DirectoryServiceClient
}

func NewDirectoryProvider(logger *slog.Logger, fallback map[string][]string, addr string) (Provider, error) {
	if addr == "" {
		return NewStaticProvider(fallback), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc directory provider unavailable, using fallback", "err", err)
		return NewStaticProvider(fallback), nil
	}

	logger.Info("grpc directory provider enabled", "addr", addr)
	return &grpcProvider{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (p *grpcProvider) Members(ctx context.Context, groupID string) ([]string, error) {
	resp, err := p.client.GetGroup(ctx, &directoryv1.GroupRequest{GroupId: groupID})
	if err != nil {
		return nil, err
	}
	return resp.GetMemberUserIds(), nil
}
