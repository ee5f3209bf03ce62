package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

// HandleRequestBody handles body of the request to the backend server, such as parsing the "model"
// parameter, and picks the workers of the request.
// Envoy sends the request body to ext proc before sending the request to the backend server.
func (s *Server) HandleRequestBody(ctx context.Context, reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Infof("Handling request body")

	v := req.Request.(*extProcPb.ProcessingRequest_RequestBody)
	var rb worker.Request
	if err := json.Unmarshal(v.RequestBody.Body, &rb); err != nil {
		klog.Errorf("Error unmarshaling request body: %v", err)
		return nil, fmt.Errorf("%w: error unmarshaling request body: %v", loadbalancer.ErrInvalidRequest, err)
	}
	if rb.Model == "" {
		return nil, fmt.Errorf("%w: model not found in request", loadbalancer.ErrInvalidRequest)
	}
	if err := rb.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", loadbalancer.ErrInvalidRequest, err)
	}
	klog.V(3).Infof("Model requested: %v", rb.Model)

	res, err := s.picker.Pick(ctx, reqCtx.ID, rb.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to find target pod: %w", err)
	}
	reqCtx.Model = rb.Model
	reqCtx.ID = res.RequestID
	reqCtx.Reservation = res
	klog.V(3).Infof("Selected workers for session %s (request %s): prefill %v, decode %v", res.SessionID, res.RequestID, res.Prefill, res.Decode)

	// Insert "target-pod" to instruct Envoy to route requests to the specified target pod.
	headers := []*configPb.HeaderValueOption{
		{
			Header: &configPb.HeaderValue{
				Key:      s.targetPodHeader,
				RawValue: []byte(res.Decode.Address),
			},
		},
		{
			Header: &configPb.HeaderValue{
				Key:      RequestIDHeader,
				RawValue: []byte(res.RequestID),
			},
		},
	}
	if res.Prefill != nil {
		headers = append(headers, &configPb.HeaderValueOption{
			Header: &configPb.HeaderValue{
				Key:      s.prefillHeader,
				RawValue: []byte(res.Prefill.Address),
			},
		})
	}
	for _, header := range headers {
		klog.V(3).Infof("[request_body] Header Key: %s, Header Value: %s", header.Header.Key, header.Header.RawValue)
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_RequestBody{
			RequestBody: &extProcPb.BodyResponse{
				Response: &extProcPb.CommonResponse{
					HeaderMutation: &extProcPb.HeaderMutation{
						SetHeaders: headers,
					},
				},
			},
		},
	}
	return resp, nil
}

func HandleRequestHeaders(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) *extProcPb.ProcessingResponse {
	klog.V(3).Info("--- In RequestHeaders processing ...")
	h := req.Request.(*extProcPb.ProcessingRequest_RequestHeaders)
	klog.V(3).Infof("Headers: %+v", h)
	if id, ok := headerValue(h.RequestHeaders.GetHeaders(), RequestIDHeader); ok {
		reqCtx.ID = id
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extProcPb.HeadersResponse{
				Response: &extProcPb.CommonResponse{
					// Set `clear_route_cache = true` to force Envoy to recompute the target cluster
					// based on the new "target-pod" header.
					// See https://www.envoyproxy.io/docs/envoy/latest/api-v3/service/ext_proc/v3/external_processor.proto#service-ext-proc-v3-commonresponse.
					ClearRouteCache: true,
				},
			},
		},
	}

	return resp
}

func headerValue(headers *configPb.HeaderMap, key string) (string, bool) {
	for _, h := range headers.GetHeaders() {
		if h.GetKey() != key {
			continue
		}
		if len(h.GetRawValue()) > 0 {
			return string(h.GetRawValue()), true
		}
		return h.GetValue(), true
	}
	return "", false
}
