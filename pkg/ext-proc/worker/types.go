// Package worker calls the OpenAI compatible completions API of inference workers.
package worker

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// Sampling ranges accepted by the completions API.
const (
	MinTemperature      = 0.0
	MaxTemperature      = 2.0
	MinTopP             = 0.0
	MaxTopP             = 1.0
	MinFrequencyPenalty = -2.0
	MaxFrequencyPenalty = 2.0
	MinPresencePenalty  = -2.0
	MaxPresencePenalty  = 2.0
	MaxStopSequences    = 4
)

// StopList accepts both a single stop string and a list of them.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// Ext carries the non-OpenAI extensions of a request.
type Ext struct {
	GreedySampling bool `json:"greed_sampling,omitempty"`
	IgnoreEOS      bool `json:"ignore_eos,omitempty"`
}

// Request is a completion request as accepted from clients.
type Request struct {
	ID               string   `json:"-"`
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	MaxTokens        *int64   `json:"max_tokens,omitempty"`
	MinTokens        *int64   `json:"min_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Stop             StopList `json:"stop,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
	Ext              *Ext     `json:"nvext,omitempty"`
}

// Validate checks the sampling options and normalizes them: greedy sampling drops temperature
// and top_p.
func (r *Request) Validate() error {
	var errs error
	if r.Prompt == "" {
		errs = multierr.Append(errs, fmt.Errorf("prompt is required"))
	}
	errs = multierr.Append(errs, checkRange("temperature", r.Temperature, MinTemperature, MaxTemperature))
	errs = multierr.Append(errs, checkRange("top_p", r.TopP, MinTopP, MaxTopP))
	errs = multierr.Append(errs, checkRange("frequency_penalty", r.FrequencyPenalty, MinFrequencyPenalty, MaxFrequencyPenalty))
	errs = multierr.Append(errs, checkRange("presence_penalty", r.PresencePenalty, MinPresencePenalty, MaxPresencePenalty))
	if len(r.Stop) > MaxStopSequences {
		errs = multierr.Append(errs, fmt.Errorf("at most %d stop sequences are allowed, got %d", MaxStopSequences, len(r.Stop)))
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens))
	}
	if errs != nil {
		return errs
	}
	if r.Ext != nil && r.Ext.GreedySampling {
		r.Temperature = nil
		r.TopP = nil
	}
	return nil
}

func checkRange(name string, v *float64, min, max float64) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return fmt.Errorf("%s must be in [%v, %v], got %v", name, min, max, *v)
	}
	return nil
}

// Chunk is one streamed piece of generated text.
type Chunk struct {
	Text         string
	FinishReason string
}

// Stream yields the chunks of a decode call. Close must be called once the caller is done.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}
