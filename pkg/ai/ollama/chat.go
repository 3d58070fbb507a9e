package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const minContextTokens = 4096

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// contextSize estimates num_ctx for a request so long prompts are not
// truncated by the server default.
func contextSize(text string, maxTokens int) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("o200k_base")
		if err != nil {
			logger.Warn("[Ollama] tiktoken encoding unavailable", "err", err)
			return
		}
		enc = e
	})
	var tokens int
	if enc != nil {
		tokens = len(enc.Encode(text, nil, nil))
	} else {
		tokens = len(text) / 3
	}
	return tokens + max(maxTokens, 512)
}

func (c *GraphOllamaClient) request(messages []api.Message, options ai.GenerateOptions) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
	}
	msgs = append(msgs, messages...)

	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.MaxTokens > 0 {
		req.Options["num_predict"] = options.MaxTokens
	}
	if options.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	var all string
	for _, m := range msgs {
		all += m.Content
	}
	if n := contextSize(all, options.MaxTokens); n > minContextTokens {
		req.Options["num_ctx"] = n
	}
	return req
}

func (c *GraphOllamaClient) chat(ctx context.Context, req *api.ChatRequest) (string, error) {
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	stream := false
	req.Stream = &stream

	var final api.ChatResponse
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})
	return final.Message.Content, nil
}

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.3}, opts...)
	return c.chat(ctx, c.request([]api.Message{{Role: "user", Content: prompt}}, options))
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	rv := reflect.ValueOf(out)
	if out == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.1}, opts...)
	req := c.request([]api.Message{{Role: "user", Content: prompt}}, options)
	req.Format = json.RawMessage(formatBytes)

	content, err := c.chat(ctx, req)
	if err != nil {
		return err
	}
	if content == "" {
		return errors.New("empty response from model")
	}
	return ai.UnmarshalFlexible(content, out)
}

// GenerateChatStream streams the assistant reply for a conversation. A
// failure after the stream started is delivered as an "error" event.
func (c *GraphOllamaClient) GenerateChatStream(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (<-chan ai.StreamEvent, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.2}, opts...)

	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			msgs = append(msgs, api.Message{Role: m.Role, Content: m.Message})
		}
	}
	req := c.request(msgs, options)
	stream := true
	req.Stream = &stream

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	contentChan := make(chan ai.StreamEvent, 10)
	go func() {
		defer close(contentChan)
		defer c.reqLock.Release(1)

		err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
			if cr.Message.Content != "" {
				select {
				case contentChan <- ai.StreamEvent{Type: "content", Content: cr.Message.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if cr.Done {
				c.modifyMetrics(ai.ModelMetrics{
					InputTokens:  cr.Metrics.PromptEvalCount,
					OutputTokens: cr.Metrics.EvalCount,
					TotalTokens:  cr.Metrics.PromptEvalCount + cr.Metrics.EvalCount,
					DurationMs:   cr.Metrics.TotalDuration.Milliseconds(),
				})
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("[Ollama] chat stream failed", "err", err)
			contentChan <- ai.StreamEvent{Type: "error", Err: err}
		}
	}()

	return contentChan, nil
}
