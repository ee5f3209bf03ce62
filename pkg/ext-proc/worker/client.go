package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
)

// RequestIDHeader carries the session id to the workers.
const RequestIDHeader = "x-request-id"

// Client runs the prefill and decode phases of a request on vLLM workers.
type Client struct {
	httpClient *http.Client
}

func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{httpClient: hc}
}

func (c *Client) openAI(w *backend.Worker, req *Request) (openai.Client, []option.RequestOption) {
	client := openai.NewClient(
		option.WithBaseURL(fmt.Sprintf("http://%s/v1/", w.Address)),
		option.WithHTTPClient(c.httpClient),
		// Retries are the load balancer's business, on another worker.
		option.WithMaxRetries(0),
	)
	var opts []option.RequestOption
	if req.ID != "" {
		opts = append(opts, option.WithHeader(RequestIDHeader, req.ID))
	}
	if req.MinTokens != nil {
		opts = append(opts, option.WithJSONSet("min_tokens", *req.MinTokens))
	}
	if req.Ext != nil && req.Ext.IgnoreEOS {
		opts = append(opts, option.WithJSONSet("ignore_eos", true))
	}
	return client, opts
}

func completionParams(req *Request) openai.CompletionNewParams {
	p := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(req.Model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(req.Prompt)},
	}
	if req.MaxTokens != nil {
		p.MaxTokens = openai.Int(*req.MaxTokens)
	}
	if req.Temperature != nil {
		p.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		p.TopP = openai.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		p.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		p.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.Seed != nil {
		p.Seed = openai.Int(*req.Seed)
	}
	switch len(req.Stop) {
	case 0:
	case 1:
		p.Stop = openai.CompletionNewParamsStopUnion{OfString: openai.String(req.Stop[0])}
	default:
		p.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: []string(req.Stop)}
	}
	return p
}

// Prefill runs the prompt on a prefill worker, generating a single token, and returns the
// kv_transfer_params the worker hands out for its KV blocks.
func (c *Client) Prefill(ctx context.Context, w *backend.Worker, req *Request) (kvhandoff.Params, error) {
	client, opts := c.openAI(w, req)
	params := completionParams(req)
	params.MaxTokens = openai.Int(1)
	opts = append(opts, option.WithJSONSet(kvhandoff.FieldKVTransferParams, kvhandoff.PrefillRequestParams()))

	klog.V(2).Infof("Prefilling request %s on %v", req.ID, w)
	res, err := client.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("prefill on %s failed: %w", w.ID, err)
	}
	var extra struct {
		KVTransferParams kvhandoff.Params `json:"kv_transfer_params"`
	}
	if err := json.Unmarshal([]byte(res.RawJSON()), &extra); err != nil {
		return nil, fmt.Errorf("malformed prefill response from %s: %w", w.ID, err)
	}
	return extra.KVTransferParams, nil
}

// Decode streams the completion from a decode worker. kv is forwarded as kv_transfer_params so
// the worker picks up the prefilled KV blocks; nil runs the whole request on w.
func (c *Client) Decode(ctx context.Context, w *backend.Worker, req *Request, kv kvhandoff.Params) (Stream, error) {
	client, opts := c.openAI(w, req)
	if kv != nil {
		opts = append(opts, option.WithJSONSet(kvhandoff.FieldKVTransferParams, kv))
	}
	klog.V(2).Infof("Decoding request %s on %v", req.ID, w)
	s := client.Completions.NewStreaming(ctx, completionParams(req), opts...)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("decode on %s failed: %w", w.ID, err)
	}
	return &completionStream{s: s}, nil
}

type completionStream struct {
	s *ssestream.Stream[openai.Completion]
}

func (c *completionStream) Next() bool { return c.s.Next() }

func (c *completionStream) Current() Chunk {
	cur := c.s.Current()
	if len(cur.Choices) == 0 {
		return Chunk{}
	}
	return Chunk{
		Text:         cur.Choices[0].Text,
		FinishReason: string(cur.Choices[0].FinishReason),
	}
}

func (c *completionStream) Err() error { return c.s.Err() }

func (c *completionStream) Close() error { return c.s.Close() }
