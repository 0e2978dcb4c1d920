// Package adminsvc exposes a Processor's operational surface
// (processingStatus, splitSegment, mergeSegment, releaseSegment,
// resetTokens) as a gRPC service. Request/response types are plain Go
// structs carried over a JSON codec rather than generated protobuf
// stubs, since no .proto compiler is available in this environment; the
// service is still addressed and dispatched exactly as a generated one
// would be, via a hand-built grpc.ServiceDesc.
package adminsvc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/psep-io/psep"
	"github.com/psep-io/psep/internal/segment"
)

const codecName = "psep-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the Admin service travel over a standard grpc.Server /
// grpc.ClientConn without any generated protobuf marshaling code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

// StatusRequest has no fields; it exists so the RPC has a concrete
// request type to marshal.
type StatusRequest struct{}

// SegmentStatus mirrors coordinator.SegmentStatus for wire transport.
type SegmentStatus struct {
	SegmentID      uint32 `json:"segmentId"`
	CurrentPosition *int64 `json:"currentPosition,omitempty"`
	IsCaughtUp     bool   `json:"isCaughtUp"`
	IsReplaying    bool   `json:"isReplaying"`
	IsErrorState   bool   `json:"isErrorState"`
	ErrorCount     int    `json:"errorCount"`
}

// StatusResponse reports the façade's lifecycle state and per-segment
// processing status.
type StatusResponse struct {
	State    string          `json:"state"`
	IsError  bool            `json:"isError"`
	Segments []SegmentStatus `json:"segments"`
}

// SegmentRequest names a single segment a control operation applies to.
type SegmentRequest struct {
	SegmentID uint32 `json:"segmentId"`
}

// ControlResponse reports the outcome of a control operation.
type ControlResponse struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// ResetRequest carries no reset parameters beyond what the configured
// Invoker understands; it is left empty here deliberately, since
// resetContext is invoker-specific and this minimal CLI surface does
// not attempt to serialize arbitrary invoker payloads.
type ResetRequest struct{}

// Server adapts a *psep.Processor to the Admin gRPC service.
type Server struct {
	Processor *psep.Processor
}

// ServiceDesc is the hand-built equivalent of a generated
// *_grpc.pb.go's ServiceDesc, registered against a *grpc.Server with
// grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "psep.Admin",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Split", Handler: splitHandler},
		{MethodName: "Merge", Handler: mergeHandler},
		{MethodName: "Release", Handler: releaseHandler},
		{MethodName: "Reset", Handler: resetHandler},
	},
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req StatusRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	var s = srv.(*Server)
	var resp = StatusResponse{
		State:   s.Processor.State().String(),
		IsError: s.Processor.IsError(),
	}
	for id, st := range s.Processor.ProcessingStatus() {
		resp.Segments = append(resp.Segments, SegmentStatus{
			SegmentID:       uint32(id),
			CurrentPosition: st.CurrentPosition,
			IsCaughtUp:      st.IsCaughtUp,
			IsReplaying:     st.IsReplaying,
			IsErrorState:    st.IsErrorState,
			ErrorCount:      st.ErrorCount,
		})
	}
	return &resp, nil
}

func splitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req SegmentRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	var s = srv.(*Server)
	var result = s.Processor.SplitSegment(ctx, segment.ID(req.SegmentID))
	return controlResponse(result.OK, result.Err), nil
}

func mergeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req SegmentRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	var s = srv.(*Server)
	var result = s.Processor.MergeSegment(ctx, segment.ID(req.SegmentID))
	return controlResponse(result.OK, result.Err), nil
}

func releaseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req SegmentRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	var s = srv.(*Server)
	var result = s.Processor.ReleaseSegment(ctx, segment.ID(req.SegmentID))
	return controlResponse(result.OK, result.Err), nil
}

func resetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req ResetRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	var s = srv.(*Server)
	var err = s.Processor.ResetTokens(ctx, nil, nil)
	return controlResponse(err == nil, err), nil
}

func controlResponse(ok bool, err error) *ControlResponse {
	var resp = ControlResponse{OK: ok}
	if err != nil {
		resp.Err = err.Error()
	}
	return &resp
}

// Register attaches the Admin service to s, backed by p.
func Register(s *grpc.Server, p *psep.Processor) {
	s.RegisterService(&ServiceDesc, &Server{Processor: p})
}

// fullMethod builds the "/service/method" string psepctl's bare
// grpc.ClientConn.Invoke calls need, since there is no generated client
// stub to hide it behind.
func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", ServiceDesc.ServiceName, method)
}

// Invoke calls method against conn using the Admin service's codec,
// without a generated client stub.
func Invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	return conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(codecName))
}
