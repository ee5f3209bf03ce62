package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	klog "k8s.io/klog/v2"
)

// HandleResponseHeaders processes response headers from the backend model server.
func (s *Server) HandleResponseHeaders(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Info("Processing ResponseHeaders")
	h := req.Request.(*extProcPb.ProcessingRequest_ResponseHeaders)
	klog.V(3).Infof("Headers before: %+v", h)

	headers := h.ResponseHeaders.GetHeaders()
	if code, ok := headerValue(headers, ":status"); ok {
		if n, err := strconv.Atoi(code); err == nil && n >= 400 {
			reqCtx.ResponseErr = fmt.Errorf("worker responded with status %d", n)
		}
	}
	if ct, ok := headerValue(headers, "content-type"); ok {
		reqCtx.Streaming = strings.HasPrefix(ct, "text/event-stream")
	}

	var set []*configPb.HeaderValueOption
	if reqCtx.ID != "" {
		set = append(set, &configPb.HeaderValueOption{
			Header: &configPb.HeaderValue{
				Key:      RequestIDHeader,
				RawValue: []byte(reqCtx.ID),
			},
		})
	}
	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extProcPb.HeadersResponse{
				Response: &extProcPb.CommonResponse{
					HeaderMutation: &extProcPb.HeaderMutation{
						SetHeaders: set,
					},
				},
			},
		},
	}
	if h.ResponseHeaders.GetEndOfStream() {
		reqCtx.done()
	}
	return resp, nil
}

// HandleResponseBody records the usage of a buffered JSON response and releases the reserved
// workers once the body ends. Bodies reach the ext proc only when the EnvoyExtensionPolicy
// forwards them; without that, the workers are released when Envoy closes the stream.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/extensions/filters/http/ext_proc/v3/processing_mode.proto#envoy-v3-api-msg-extensions-filters-http-ext-proc-v3-processingmode
// Example response
/*
{
    "id": "cmpl-3f0a7a3f1e9b4b8c",
    "object": "text_completion",
    "created": 1750000000,
    "model": "Qwen/Qwen3-0.6B",
    "choices": [{"index": 0, "text": " Paris.", "finish_reason": "stop"}],
    "usage": {"prompt_tokens": 6, "total_tokens": 9, "completion_tokens": 3}
}*/
func (s *Server) HandleResponseBody(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Info("Processing HandleResponseBody")
	body := req.Request.(*extProcPb.ProcessingRequest_ResponseBody)

	// Streamed bodies arrive in chunks of server-sent events and carry no usage to parse.
	if !reqCtx.Streaming {
		res := Response{}
		if err := json.Unmarshal(body.ResponseBody.Body, &res); err != nil {
			return nil, fmt.Errorf("unmarshaling response body: %v", err)
		}
		reqCtx.Response = res
		klog.V(3).Infof("Response: %+v", res)
	}
	if body.ResponseBody.GetEndOfStream() {
		reqCtx.done()
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ResponseBody{
			ResponseBody: &extProcPb.BodyResponse{
				Response: &extProcPb.CommonResponse{},
			},
		},
	}
	return resp, nil
}

type Response struct {
	Usage Usage `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
