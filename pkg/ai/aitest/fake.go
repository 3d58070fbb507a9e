// Package aitest provides a scripted ai.GraphAIClient for tests.
package aitest

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
)

// Fake answers prompts with Respond. It records every prompt and the
// options it was called with.
type Fake struct {
	// Respond produces the completion for a prompt. Nil answers "{}".
	Respond func(ctx context.Context, prompt string) (string, error)
	// Answer produces the streamed chat answer. Nil echoes the last message.
	Answer func(messages []ai.ChatMessage) (string, error)
	// Dimensions of GenerateEmbedding vectors, default 8.
	Dimensions int
	PingErr    error

	mu      sync.Mutex
	prompts []string
	options []ai.GenerateOptions
	metrics ai.ModelMetrics
}

// Prompts returns a copy of the recorded prompts.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Options returns the options of every recorded completion call.
func (f *Fake) Options() []ai.GenerateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.GenerateOptions(nil), f.options...)
}

// Calls returns the number of completion calls.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *Fake) record(prompt string, opts []ai.GenerateOption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.options = append(f.options, ai.ApplyOptions(ai.GenerateOptions{}, opts...))
	f.metrics.Add(ai.ModelMetrics{InputTokens: len(prompt) / 4})
}

func (f *Fake) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.record(prompt, opts)
	if f.Respond == nil {
		return "{}", nil
	}
	return f.Respond(ctx, prompt)
}

func (f *Fake) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	raw, err := f.GenerateCompletion(ctx, prompt, opts...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(ai.StripCodeFence(raw)), out)
}

func (f *Fake) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	var text string
	if f.Answer != nil {
		var err error
		text, err = f.Answer(messages)
		if err != nil {
			return nil, err
		}
	} else if len(messages) > 0 {
		text = messages[len(messages)-1].Message
	}

	ch := make(chan ai.StreamEvent)
	go func() {
		defer close(ch)
		for i, word := range strings.Fields(text) {
			if i > 0 {
				word = " " + word
			}
			select {
			case ch <- ai.StreamEvent{Type: "content", Content: word}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// GenerateEmbedding returns a deterministic bag-of-words vector so that
// texts sharing words are close.
func (f *Fake) GenerateEmbedding(_ context.Context, input string) ([]float32, error) {
	dim := f.Dimensions
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(input)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%dim] += 1
	}
	return vec, nil
}

func (f *Fake) Ping(context.Context) error { return f.PingErr }

func (f *Fake) ResetMetrics() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = ai.ModelMetrics{}
}

func (f *Fake) GetMetrics() ai.ModelMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}
