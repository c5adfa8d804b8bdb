//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/otel/attribute"

	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/telemetry/trace"
	"trpc.group/trpc-go/threadgraph/tool"
)

// LLMOption configures a reasoning node.
type LLMOption func(*llmNodeOptions)

type llmNodeOptions struct {
	generation     model.GenerationConfig
	retry          *RetryPolicy
	errorAsMessage bool
	errorMessage   string
}

// WithGenerationConfig sets the generation parameters of every request.
func WithGenerationConfig(cfg model.GenerationConfig) LLMOption {
	return func(o *llmNodeOptions) {
		o.generation = cfg
	}
}

// WithModelRetry retries failed model calls inside the node. It is meant
// to be used together with WithErrorAsMessage, which otherwise would hide
// the failure from the executor's retry policy.
func WithModelRetry(p RetryPolicy) LLMOption {
	return func(o *llmNodeOptions) {
		o.retry = &p
	}
}

// WithErrorAsMessage turns a failed model call into an error-bearing
// update instead of a failed step: the update appends an assistant
// message with content and sets the error field.
func WithErrorAsMessage(content string) LLMOption {
	return func(o *llmNodeOptions) {
		o.errorAsMessage = true
		o.errorMessage = content
	}
}

// NewLLMNodeFunc creates a reasoning node. It prepends the system prompt
// to the conversation, offers tools to the model and appends the
// assistant reply. A failed call returns an error wrapping
// *ModelInvocationError.
func NewLLMNodeFunc(llm model.Model, instruction string, tools *tool.Set, opts ...LLMOption) NodeFunc {
	o := &llmNodeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return func(ctx context.Context, state State) (State, error) {
		req := &model.Request{
			Messages:         buildMessages(GetMessages(state), instruction),
			GenerationConfig: o.generation,
			Tools:            tools.Tools(),
		}
		var reply model.Message
		call := func(ctx context.Context) error {
			var err error
			reply, err = callModel(ctx, llm, req)
			return err
		}
		var err error
		if o.retry != nil {
			err = o.retry.Do(ctx, call, nil)
		} else {
			err = call(ctx)
		}
		if err != nil {
			if o.errorAsMessage {
				return State{
					StateKeyMessages:     []model.Message{model.NewAssistantMessage(o.errorMessage)},
					StateKeyLastResponse: o.errorMessage,
					StateKeyError:        err.Error(),
				}, nil
			}
			return nil, err
		}
		reply.Role = model.RoleAssistant
		return State{
			StateKeyMessages:     []model.Message{reply},
			StateKeyLastResponse: reply.Content,
		}, nil
	}
}

func callModel(ctx context.Context, llm model.Model, req *model.Request) (model.Message, error) {
	name := llm.Info().Name
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameCallLLM)
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.request.model", name))

	reply, err := model.Collect(ctx, llm, req)
	if err != nil {
		itelemetry.TraceError(span, err)
		return model.Message{}, err
	}
	itelemetry.TraceCallLLM(span, name, req, reply)
	return reply, nil
}

// buildMessages prepends the system prompt unless the history already
// starts with one. The history itself is never modified.
func buildMessages(history []model.Message, instruction string) []model.Message {
	if instruction == "" || (len(history) > 0 && history[0].Role == model.RoleSystem) {
		return append([]model.Message(nil), history...)
	}
	msgs := make([]model.Message, 0, len(history)+1)
	msgs = append(msgs, model.NewSystemMessage(instruction))
	return append(msgs, history...)
}

// classification is the structured answer of a classifier node.
type classification struct {
	Label string `mapstructure:"label"`
}

// NewClassifierNodeFunc creates a node that labels the latest user message.
// The model is asked for a JSON document {"label": <one of labels>}. The
// label is written to field; an answer outside labels writes fallback.
// The conversation history is left untouched.
func NewClassifierNodeFunc(llm model.Model, instruction, field string, labels []string, fallback string) NodeFunc {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label": map[string]any{
				"type": "string",
				"enum": append([]string(nil), labels...),
			},
		},
		"required":             []string{"label"},
		"additionalProperties": false,
	}
	allowed := make(map[string]string, len(labels))
	for _, l := range labels {
		allowed[strings.ToLower(l)] = l
	}
	return func(ctx context.Context, state State) (State, error) {
		msgs := []model.Message{model.NewSystemMessage(classifierPrompt(instruction, labels))}
		if user, ok := lastUserMessage(state); ok {
			msgs = append(msgs, user)
		}
		req := &model.Request{
			Messages: msgs,
			StructuredOutput: &model.StructuredOutput{
				Name:   field,
				Schema: schema,
				Strict: true,
			},
		}
		reply, err := callModel(ctx, llm, req)
		if err != nil {
			return nil, err
		}
		c, err := decodeClassification(reply.Content)
		if err != nil {
			// Plain text answers are accepted as a bare label.
			c.Label = reply.Content
		}
		label := fallback
		if l, ok := allowed[strings.ToLower(strings.TrimSpace(c.Label))]; ok {
			label = l
		}
		return State{field: label}, nil
	}
}

func classifierPrompt(instruction string, labels []string) string {
	return fmt.Sprintf("%s\nAnswer with a JSON object {\"label\": ...} where label is one of: %s.",
		instruction, strings.Join(labels, ", "))
}

func decodeClassification(content string) (classification, error) {
	var c classification
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return c, fmt.Errorf("decode classification: %w", err)
	}
	if err := mapstructure.Decode(raw, &c); err != nil {
		return c, fmt.Errorf("decode classification: %w", err)
	}
	return c, nil
}

func lastUserMessage(state State) (model.Message, bool) {
	msgs := GetMessages(state)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i], true
		}
	}
	return model.Message{}, false
}

// NewStaticMessageNodeFunc creates a node appending a fixed assistant
// message, such as a human handoff notice.
func NewStaticMessageNodeFunc(content string) NodeFunc {
	return func(ctx context.Context, state State) (State, error) {
		return State{
			StateKeyMessages:     []model.Message{model.NewAssistantMessage(content)},
			StateKeyLastResponse: content,
		}, nil
	}
}
