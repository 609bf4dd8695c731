package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/solatis/redirector/internal/types"
)

// maxURILength bounds the request URI accepted over gRPC.
const maxURILength = 8192

// Resolver resolves a raw request URI. Implemented by *rules.Engine.
type Resolver interface {
	Resolve(raw string) (types.Match, bool)
}

// ResolverService implements ResolverServer on top of the rule engine.
// Resolution never fails; only malformed requests map to INVALID_ARGUMENT.
type ResolverService struct {
	resolver Resolver
}

// NewResolverService creates the gRPC service for resolver.
func NewResolverService(resolver Resolver) (*ResolverService, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	return &ResolverService{resolver: resolver}, nil
}

// Resolve matches the request URI and reports the outcome.
func (s *ResolverService) Resolve(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	uri := req.GetValue()
	if uri == "" {
		return nil, status.Error(codes.InvalidArgument, "uri is required")
	}
	if len(uri) > maxURILength {
		return nil, status.Errorf(codes.InvalidArgument, "uri exceeds %d bytes", maxURILength)
	}

	m, ok := s.resolver.Resolve(uri)
	return EncodeMatch(m, ok), nil
}

// EncodeMatch converts a resolution outcome into the response struct.
func EncodeMatch(m types.Match, ok bool) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"matched": structpb.NewBoolValue(ok),
	}
	if ok {
		fields["rule_id"] = structpb.NewStringValue(string(m.RuleID))
		fields["status_code"] = structpb.NewNumberValue(float64(m.StatusCode))
		if m.HasDestination() {
			fields["destination"] = structpb.NewStringValue(m.Destination)
		}
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeMatch is the inverse of EncodeMatch.
func DecodeMatch(s *structpb.Struct) (types.Match, bool) {
	f := s.GetFields()
	if !f["matched"].GetBoolValue() {
		return types.Match{}, false
	}
	return types.Match{
		RuleID:      types.RuleID(f["rule_id"].GetStringValue()),
		StatusCode:  types.StatusCode(int(f["status_code"].GetNumberValue())),
		Destination: f["destination"].GetStringValue(),
	}, true
}
