package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// modelsKey is where the provider's model list is shared between vertices.
const modelsKey = "component:" + TypeOpenAIChat + ":models"

// openAIChat sends "input_value" to the chat completions API. With "stream"
// set every delta is forwarded as a token event.
type openAIChat struct {
	deps Deps
}

func newOpenAIChat(deps Deps) *openAIChat {
	return &openAIChat{deps: deps}
}

func (c *openAIChat) Build(ctx context.Context, req *graph.BuildRequest) (graph.Result, error) {
	if c.deps.OpenAI == nil {
		return graph.Result{}, ErrNoClient
	}

	model := req.String("model")
	if model == "" {
		model = c.deps.Model
	}
	if asBool(req.Param("validate_model")) {
		if err := c.checkModel(ctx, model); err != nil {
			return graph.Result{}, err
		}
	}

	var messages []openai.ChatCompletionMessage
	if system := req.String("system_message"); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.String("input_value"),
	})

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(asFloat(req.Param("temperature"), float64(c.deps.Temperature))),
		MaxTokens:   asInt(req.Param("max_tokens"), 0),
	}

	if asBool(req.Param("stream")) {
		return c.stream(ctx, req, creq)
	}

	resp, err := c.deps.OpenAI.CreateChatCompletion(ctx, creq)
	if err != nil {
		return graph.Result{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return graph.Result{}, errors.New("no choices returned from API")
	}
	return graph.Result{
		Outputs: map[string]any{"text": resp.Choices[0].Message.Content},
		Artifacts: map[string]any{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
			"total_tokens":  resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *openAIChat) stream(ctx context.Context, req *graph.BuildRequest, creq openai.ChatCompletionRequest) (graph.Result, error) {
	creq.Stream = true
	stream, err := c.deps.OpenAI.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return graph.Result{}, fmt.Errorf("failed to create chat stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	var finish string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return graph.Result{}, fmt.Errorf("chat stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		req.Token(ctx, choice.Delta.Content)
	}
	return graph.Result{
		Outputs:   map[string]any{"text": text.String()},
		Artifacts: map[string]any{"model": creq.Model, "finish_reason": finish},
	}, nil
}

// checkModel looks model up in the provider's model list, fetched once per
// shared cache lifetime.
func (c *openAIChat) checkModel(ctx context.Context, model string) error {
	ids, err := c.models(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return nil
}

func (c *openAIChat) models(ctx context.Context) ([]string, error) {
	if c.deps.Shared != nil {
		// unreadable entries are refetched
		if data, err := c.deps.Shared.Get(ctx, modelsKey); err == nil {
			var ids []string
			if json.Unmarshal(data, &ids) == nil {
				return ids, nil
			}
		}
	}

	list, err := c.deps.OpenAI.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)

	if c.deps.Shared != nil {
		if data, err := json.Marshal(ids); err == nil {
			_ = c.deps.Shared.Set(ctx, modelsKey, data)
		}
	}
	return ids, nil
}
