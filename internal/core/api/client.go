package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/solatis/redirector/internal/types"
)

// ResolverClient calls a remote Resolver service.
type ResolverClient struct {
	cc grpc.ClientConnInterface
}

// NewResolverClient wraps an established connection.
func NewResolverClient(cc grpc.ClientConnInterface) *ResolverClient {
	return &ResolverClient{cc: cc}
}

// Resolve asks the remote instance to resolve uri.
func (c *ResolverClient) Resolve(ctx context.Context, uri string, opts ...grpc.CallOption) (types.Match, bool, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ResolveMethod, wrapperspb.String(uri), out, opts...); err != nil {
		return types.Match{}, false, err
	}
	m, ok := DecodeMatch(out)
	return m, ok, nil
}
