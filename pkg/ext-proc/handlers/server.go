package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	envoyTypePb "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
)

const (
	DefaultTargetPodHeader = "target-pod"
	// DefaultPrefillHeader tells the routing sidecar in front of the decode worker where to run
	// the prefill phase.
	DefaultPrefillHeader = "x-prefiller-host-port"
	RequestIDHeader      = "x-request-id"
)

func NewServer(picker Picker, targetPodHeader, prefillHeader string) *Server {
	return &Server{
		picker:          picker,
		targetPodHeader: targetPodHeader,
		prefillHeader:   prefillHeader,
	}
}

// Server implements the Envoy external processing server. It only routes: Envoy forwards the
// request to the selected decode worker, whose sidecar runs the prefill phase and the KV
// transfer.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/service/ext_proc/v3/external_processor.proto
type Server struct {
	picker Picker
	// The key of the header to specify the target pod address. This value needs to match Envoy
	// configuration.
	targetPodHeader string
	prefillHeader   string
}

type Picker interface {
	Pick(ctx context.Context, id, model string) (*loadbalancer.Reservation, error)
}

func (s *Server) Process(srv extProcPb.ExternalProcessor_ProcessServer) (err error) {
	klog.V(2).Info("Processing")
	ctx := srv.Context()
	// Create request context to share states during life time of an HTTP request.
	// See https://github.com/envoyproxy/envoy/issues/17540.
	reqCtx := &RequestContext{}
	defer func() {
		if err != nil && reqCtx.ResponseErr == nil {
			reqCtx.ResponseErr = err
		}
		reqCtx.done()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := srv.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		var resp *extProcPb.ProcessingResponse
		switch v := req.Request.(type) {
		case *extProcPb.ProcessingRequest_RequestHeaders:
			resp = HandleRequestHeaders(reqCtx, req)
			klog.V(2).Infof("Request context after HandleRequestHeaders: %v", reqCtx)
		case *extProcPb.ProcessingRequest_RequestBody:
			resp, err = s.HandleRequestBody(ctx, reqCtx, req)
			klog.V(2).Infof("Request context after HandleRequestBody: %v", reqCtx)
		case *extProcPb.ProcessingRequest_ResponseHeaders:
			resp, err = s.HandleResponseHeaders(reqCtx, req)
			klog.V(2).Infof("Request context after HandleResponseHeaders: %v", reqCtx)
		case *extProcPb.ProcessingRequest_ResponseBody:
			resp, err = s.HandleResponseBody(reqCtx, req)
			klog.V(2).Infof("Request context after HandleResponseBody: %v", reqCtx)
		default:
			klog.Infof("Unknown Request type %+v", v)
			return status.Error(codes.Unknown, "unknown request type")
		}

		if err != nil {
			klog.Errorf("failed to process request: %v", err)
			resp, err = buildErrResponse(err)
			if err != nil {
				return err
			}
		}

		klog.V(2).Infof("response: %v", resp)
		if err := srv.Send(resp); err != nil {
			klog.Infof("send error %v", err)
			return status.Errorf(codes.Unknown, "failed to send response back to Envoy: %v", err)
		}
	}
}

// buildErrResponse answers the client directly for errors of the request itself or of the
// worker pools.
func buildErrResponse(err error) (*extProcPb.ProcessingResponse, error) {
	var code envoyTypePb.StatusCode
	switch {
	case errors.Is(err, loadbalancer.ErrInvalidRequest):
		code = envoyTypePb.StatusCode_BadRequest
	case backend.IsRetryable(err):
		code = envoyTypePb.StatusCode_ServiceUnavailable
	default:
		return nil, status.Errorf(codes.Unknown, "failed to handle request: %v", err)
	}
	return &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extProcPb.ImmediateResponse{
				Status: &envoyTypePb.HttpStatus{Code: code},
				Body:   []byte(err.Error()),
			},
		},
	}, nil
}

// RequestContext stores context information during the life time of an HTTP request.
type RequestContext struct {
	ID          string
	Model       string
	Reservation *loadbalancer.Reservation
	Streaming   bool
	Response    Response
	ResponseErr error
}

func (r *RequestContext) String() string {
	target := ""
	if r.Reservation != nil {
		target = r.Reservation.Decode.Address
	}
	return fmt.Sprintf("{id: %s, model: %s, target: %s, streaming: %v}", r.ID, r.Model, target, r.Streaming)
}

// done releases the reserved workers. It is safe to call more than once.
func (r *RequestContext) done() {
	if r.Reservation != nil {
		r.Reservation.Done(r.ResponseErr)
	}
}
