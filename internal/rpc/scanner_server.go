package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const (
	scannerServiceName    = "cdcsched.scanner.v1.Scanner"
	methodStartScanner    = "/" + scannerServiceName + "/StartScanner"
	methodRequestScanner  = "/" + scannerServiceName + "/RequestScanner"
	scannerServiceProtoID = "cdcsched/scanner/v1/scanner.proto"
)

// scannerServer is the handler type of the scanner service.
type scannerServer interface {
	StartScanner(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestScanner(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var scannerServiceDesc = grpc.ServiceDesc{
	ServiceName: scannerServiceName,
	HandlerType: (*scannerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartScanner", Handler: unaryHandler(methodStartScanner, scannerServer.StartScanner)},
		{MethodName: "RequestScanner", Handler: unaryHandler(methodRequestScanner, scannerServer.RequestScanner)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: scannerServiceProtoID,
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[S any](fullMethod string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ScannerService exposes a source.Scanner to remote schedulers.
type ScannerService struct {
	scanner source.Scanner
}

// RegisterScanner registers the scanner service for sc on s.
func RegisterScanner(s grpc.ServiceRegistrar, sc source.Scanner) *ScannerService {
	svc := &ScannerService{scanner: sc}
	s.RegisterService(&scannerServiceDesc, svc)
	return svc
}

// StartScanner arms the capture endpoint.
func (s *ScannerService) StartScanner(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.scanner.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start scanner")
		return errorResponse(err), nil
	}
	return newResponse(StatusOK, nil, nil), nil
}

// RequestScanner dispatches on the api field of the request.
//
// Application errors travel inside the response; only transport failures
// surface as gRPC errors.
func (s *ScannerService) RequestScanner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	api := stringField(in, "api")
	params := []byte(stringField(in, "params"))

	var (
		body []byte
		err  error
	)
	switch {
	case api == APIFetchSplits:
		body, err = s.fetchSplits(ctx, params)
	case api == APIFetchRecords:
		body, err = s.fetchRecords(ctx, params)
	case strings.HasPrefix(api, APIClosePrefix):
		err = s.close(ctx, strings.TrimPrefix(api, APIClosePrefix))
	default:
		return newResponse(StatusInvalidArgument, []string{"unknown api " + api}, nil), nil
	}

	if err != nil {
		log.Debug().Err(err).Str("api", api).Msg("Scanner request failed")
		return errorResponse(err), nil
	}
	return newResponse(StatusOK, nil, body), nil
}

func (s *ScannerService) fetchSplits(ctx context.Context, params []byte) ([]byte, error) {
	var req source.DiscoverRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("bad fetchSplits params: %w", err)
	}
	splits, err := s.scanner.FetchSplits(ctx, req)
	if err != nil {
		return nil, err
	}
	return split.EncodeList(splits)
}

func (s *ScannerService) fetchRecords(ctx context.Context, params []byte) ([]byte, error) {
	var req source.FetchRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("bad fetchRecords params: %w", err)
	}
	res, err := s.scanner.FetchRecords(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (s *ScannerService) close(ctx context.Context, rawID string) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad job id %q", rawID)
	}
	return s.scanner.Close(ctx, types.JobID(id))
}
