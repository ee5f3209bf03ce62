package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
)

const prefillResponse = `{
	"id": "cmpl-1",
	"object": "text_completion",
	"created": 1732563765,
	"model": "m",
	"choices": [{"index": 0, "text": "A", "finish_reason": "length", "logprobs": null}],
	"kv_transfer_params": {"remote_block_ids": [1, 2, 3], "remote_engine_id": "5b5fb28f", "remote_host": "ahost", "remote_port": 4032}
}`

func chunk(text, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"cmpl-2","object":"text_completion","created":1,"model":"m","choices":[{"index":0,"text":%q,"finish_reason":%s,"logprobs":null}]}`+"\n\n", text, fr)
}

// fakeWorker records the request bodies it receives.
type fakeWorker struct {
	bodies  []map[string]any
	headers []http.Header
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)
	f.bodies = append(f.bodies, body)
	f.headers = append(f.headers, r.Header.Clone())

	if r.URL.Path != "/v1/completions" {
		http.NotFound(w, r)
		return
	}
	if body["model"] == "broken" {
		http.Error(w, `{"error": {"message": "engine dead"}}`, http.StatusInternalServerError)
		return
	}
	if stream, _ := body["stream"].(bool); !stream {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, prefillResponse)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range []string{chunk("Hello", ""), chunk(" world", ""), chunk("!", "stop")} {
		_, _ = io.WriteString(w, c)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func newWorker(t *testing.T) (*fakeWorker, *backend.Worker) {
	fw := &fakeWorker{}
	srv := httptest.NewServer(fw)
	t.Cleanup(srv.Close)
	return fw, &backend.Worker{ID: "w0", Address: strings.TrimPrefix(srv.URL, "http://")}
}

func TestPrefill(t *testing.T) {
	fw, w := newWorker(t)
	c := NewClient(nil)
	maxTokens := int64(64)
	params, err := c.Prefill(context.Background(), w, &Request{ID: "s1", Model: "m", Prompt: "hi", MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "5b5fb28f", params[kvhandoff.FieldRemoteEngineID])
	assert.Equal(t, "ahost", params[kvhandoff.FieldRemoteHost])

	require.Len(t, fw.bodies, 1)
	body := fw.bodies[0]
	assert.Equal(t, float64(1), body["max_tokens"])
	assert.Equal(t, "hi", body["prompt"])
	kv, ok := body[kvhandoff.FieldKVTransferParams].(map[string]any)
	require.True(t, ok, "kv_transfer_params missing from %v", body)
	assert.Equal(t, true, kv[kvhandoff.FieldDoRemoteDecode])
	assert.Equal(t, "s1", fw.headers[0].Get(RequestIDHeader))
}

func TestDecode(t *testing.T) {
	fw, w := newWorker(t)
	c := NewClient(nil)
	temp := 0.5
	req := &Request{ID: "s1", Model: "m", Prompt: "hi", Temperature: &temp, Stop: StopList{"a", "b"}, Ext: &Ext{IgnoreEOS: true}}
	kv := kvhandoff.Params{kvhandoff.FieldRemoteEngineID: "5b5fb28f"}

	s, err := c.Decode(context.Background(), w, req, kv)
	require.NoError(t, err)
	defer s.Close()
	var text strings.Builder
	var finish string
	for s.Next() {
		ch := s.Current()
		text.WriteString(ch.Text)
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
	}
	require.NoError(t, s.Err())
	assert.Equal(t, "Hello world!", text.String())
	assert.Equal(t, "stop", finish)

	require.Len(t, fw.bodies, 1)
	body := fw.bodies[0]
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, 0.5, body["temperature"])
	assert.Equal(t, []any{"a", "b"}, body["stop"])
	assert.Equal(t, true, body["ignore_eos"])
	assert.Equal(t, map[string]any{kvhandoff.FieldRemoteEngineID: "5b5fb28f"}, body[kvhandoff.FieldKVTransferParams])
}

func TestDecodeUnified(t *testing.T) {
	fw, w := newWorker(t)
	s, err := NewClient(nil).Decode(context.Background(), w, &Request{Model: "m", Prompt: "hi"}, nil)
	require.NoError(t, err)
	defer s.Close()
	for s.Next() {
	}
	require.NoError(t, s.Err())
	_, ok := fw.bodies[0][kvhandoff.FieldKVTransferParams]
	assert.False(t, ok)
}

func TestWorkerErrors(t *testing.T) {
	_, w := newWorker(t)
	c := NewClient(nil)
	_, err := c.Prefill(context.Background(), w, &Request{Model: "broken", Prompt: "hi"})
	assert.Error(t, err)
	_, err = c.Decode(context.Background(), w, &Request{Model: "broken", Prompt: "hi"}, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	n := func(v int64) *int64 { return &v }
	tests := []struct {
		name    string
		req     Request
		wantErr bool
		want    Request
	}{
		{
			name: "valid",
			req:  Request{Prompt: "p", Temperature: f(0.7), TopP: f(1), Stop: StopList{"a", "b", "c", "d"}, MaxTokens: n(16)},
			want: Request{Prompt: "p", Temperature: f(0.7), TopP: f(1), Stop: StopList{"a", "b", "c", "d"}, MaxTokens: n(16)},
		},
		{
			name: "greedy drops temperature and top_p",
			req:  Request{Prompt: "p", Temperature: f(0.7), TopP: f(0.9), PresencePenalty: f(1), Ext: &Ext{GreedySampling: true}},
			want: Request{Prompt: "p", PresencePenalty: f(1), Ext: &Ext{GreedySampling: true}},
		},
		{name: "temperature too high", req: Request{Prompt: "p", Temperature: f(2.5)}, wantErr: true},
		{name: "negative top_p", req: Request{Prompt: "p", TopP: f(-0.1)}, wantErr: true},
		{name: "frequency penalty out of range", req: Request{Prompt: "p", FrequencyPenalty: f(-3)}, wantErr: true},
		{name: "presence penalty out of range", req: Request{Prompt: "p", PresencePenalty: f(2.1)}, wantErr: true},
		{name: "too many stop sequences", req: Request{Prompt: "p", Stop: StopList{"a", "b", "c", "d", "e"}}, wantErr: true},
		{name: "zero max tokens", req: Request{Prompt: "p", MaxTokens: n(0)}, wantErr: true},
		{name: "missing prompt", req: Request{}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := test.req
			err := req.Validate()
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, req)
		})
	}
}

func TestStopList(t *testing.T) {
	var r Request
	require.NoError(t, json.Unmarshal([]byte(`{"prompt": "p", "stop": "\n"}`), &r))
	assert.Equal(t, StopList{"\n"}, r.Stop)
	require.NoError(t, json.Unmarshal([]byte(`{"prompt": "p", "stop": ["a", "b"]}`), &r))
	assert.Equal(t, StopList{"a", "b"}, r.Stop)
	assert.Error(t, json.Unmarshal([]byte(`{"stop": 3}`), &r))
}
