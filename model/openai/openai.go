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

// Package openai adapts OpenAI compatible chat completion APIs to
// model.Model.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/tool"
)

const (
	functionToolType = "function"

	// defaultChannelBufferSize is the default channel buffer size.
	defaultChannelBufferSize = 256
)

// Model implements model.Model for OpenAI compatible APIs.
type Model struct {
	client            openai.Client
	name              string
	baseURL           string
	apiKey            string
	channelBufferSize int
	extraFields       map[string]any
}

type options struct {
	// API key for the OpenAI client.
	APIKey string
	// Base URL for OpenAI compatible services.
	BaseURL string
	// Buffer size for response channels.
	ChannelBufferSize int
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// Timeout bounds a single request when no HTTPClient is given.
	Timeout time.Duration
	// Options for the OpenAI client.
	OpenAIOptions []openaiopt.RequestOption
	// Extra fields added to the request body.
	ExtraFields map[string]any
}

// Option configures a Model.
type Option func(*options)

// WithAPIKey sets the API key. Without it the client reads OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.APIKey = key
	}
}

// WithBaseURL sets the base URL of an OpenAI compatible service.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.BaseURL = url
	}
}

// WithChannelBufferSize sets the response channel buffer size.
func WithChannelBufferSize(size int) Option {
	return func(o *options) {
		if size <= 0 {
			size = defaultChannelBufferSize
		}
		o.ChannelBufferSize = size
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.Timeout = d
	}
}

// WithOpenAIOptions appends raw client options.
func WithOpenAIOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) {
		o.OpenAIOptions = append(o.OpenAIOptions, opts...)
	}
}

// WithExtraFields adds fields to every request body, for provider
// specific parameters.
func WithExtraFields(fields map[string]any) Option {
	return func(o *options) {
		if o.ExtraFields == nil {
			o.ExtraFields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			o.ExtraFields[k] = v
		}
	}
}

// New creates a Model for the named chat model.
func New(name string, opts ...Option) *Model {
	o := &options{ChannelBufferSize: defaultChannelBufferSize}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.APIKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.BaseURL))
	}
	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.Timeout}
	}
	clientOpts = append(clientOpts, openaiopt.WithHTTPClient(httpClient))
	// Retries are owned by the graph retry policy.
	clientOpts = append(clientOpts, openaiopt.WithMaxRetries(0))
	clientOpts = append(clientOpts, o.OpenAIOptions...)

	return &Model{
		client:            openai.NewClient(clientOpts...),
		name:              name,
		baseURL:           o.BaseURL,
		apiKey:            o.APIKey,
		channelBufferSize: o.ChannelBufferSize,
		extraFields:       o.ExtraFields,
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements model.Model.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	chatRequest := m.buildRequest(request)

	var opts []openaiopt.RequestOption
	for key, value := range m.extraFields {
		opts = append(opts, openaiopt.WithJSONSet(key, value))
	}

	responseChan := make(chan *model.Response, m.channelBufferSize)
	go func() {
		defer close(responseChan)
		if request.Stream {
			m.handleStreamingResponse(ctx, chatRequest, responseChan, opts...)
		} else {
			m.handleNonStreamingResponse(ctx, chatRequest, responseChan, opts...)
		}
	}()
	return responseChan, nil
}

func (m *Model) buildRequest(request *model.Request) openai.ChatCompletionNewParams {
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
		Tools:    convertTools(request.Tools),
	}
	if so := request.StructuredOutput; so != nil && so.Schema != nil {
		chatRequest.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        so.Name,
					Schema:      so.Schema,
					Strict:      openai.Bool(so.Strict),
					Description: openai.String(so.Description),
				},
			},
		}
	}
	// MaxTokens is deprecated and not compatible with o-series models.
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.TopP != nil {
		chatRequest.TopP = openai.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		chatRequest.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfString: openai.String(request.Stop[0]),
		}
	}
	if request.Stream {
		chatRequest.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}
	return chatRequest
}

// convertMessages converts messages to the OpenAI format. Unknown roles
// are sent as user messages.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case model.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{
				ToolCalls: convertToolCalls(msg.ToolCalls),
			}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			result[i] = openai.ChatCompletionMessageParamUnion{OfAssistant: assistant}
		case model.RoleTool:
			result[i] = openai.ToolMessage(msg.Content, msg.ToolID)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}

func convertToolCalls(toolCalls []model.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	var result []openai.ChatCompletionMessageToolCallParam
	for _, toolCall := range toolCalls {
		args := string(toolCall.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		result = append(result, openai.ChatCompletionMessageToolCallParam{
			ID: toolCall.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      toolCall.Function.Name,
				Arguments: args,
			},
		})
	}
	return result
}

func convertTools(tools map[string]tool.Tool) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range tools {
		declaration := t.Declaration()
		// Round trip through JSON to map the schema onto OpenAI's shape.
		schemaBytes, err := json.Marshal(declaration.InputSchema)
		if err != nil {
			log.Errorf("failed to marshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		var parameters shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &parameters); err != nil {
			log.Errorf("failed to unmarshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        declaration.Name,
				Description: openai.String(declaration.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}

// handleStreamingResponse emits content deltas as partial responses and
// the accumulated message, tool calls included, as the final one.
func (m *Model) handleStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, chatRequest, opts...)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		partial := &model.Response{
			ID:        chunk.ID,
			Object:    model.ObjectTypeChatCompletionChunk,
			Created:   chunk.Created,
			Model:     chunk.Model,
			Timestamp: time.Now(),
			IsPartial: true,
			Choices: []model.Choice{{
				Delta: model.Message{Role: model.RoleAssistant, Content: chunk.Choices[0].Delta.Content},
			}},
		}
		select {
		case responseChan <- partial:
		case <-ctx.Done():
			return
		}
	}
	m.sendFinalResponse(ctx, stream, acc, responseChan)
}

func (m *Model) sendFinalResponse(
	ctx context.Context,
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	acc openai.ChatCompletionAccumulator,
	responseChan chan<- *model.Response,
) {
	var final *model.Response
	if err := stream.Err(); err != nil {
		final = model.NewErrorResponse(m.name, model.ErrorTypeStreamError, err.Error())
	} else {
		final = &model.Response{
			Object:  model.ObjectTypeChatCompletion,
			ID:      acc.ID,
			Created: acc.Created,
			Model:   acc.Model,
			Usage: &model.Usage{
				PromptTokens:     int(acc.Usage.PromptTokens),
				CompletionTokens: int(acc.Usage.CompletionTokens),
				TotalTokens:      int(acc.Usage.TotalTokens),
			},
			Timestamp: time.Now(),
			Done:      true,
		}
		for _, choice := range acc.Choices {
			final.Choices = append(final.Choices, model.Choice{
				Index:   int(choice.Index),
				Message: convertMessage(choice.Message),
			})
		}
	}
	select {
	case responseChan <- final:
	case <-ctx.Done():
	}
}

func (m *Model) handleNonStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	completion, err := m.client.Chat.Completions.New(ctx, chatRequest, opts...)
	var response *model.Response
	if err != nil {
		response = model.NewErrorResponse(m.name, model.ErrorTypeAPIError, err.Error())
	} else {
		response = &model.Response{
			ID:        completion.ID,
			Object:    string(completion.Object),
			Created:   completion.Created,
			Model:     completion.Model,
			Timestamp: time.Now(),
			Done:      true,
		}
		for _, choice := range completion.Choices {
			c := model.Choice{Index: int(choice.Index), Message: convertMessage(choice.Message)}
			if choice.FinishReason != "" {
				reason := choice.FinishReason
				c.FinishReason = &reason
			}
			response.Choices = append(response.Choices, c)
		}
		if completion.Usage.TotalTokens > 0 {
			response.Usage = &model.Usage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			}
		}
	}
	select {
	case responseChan <- response:
	case <-ctx.Done():
	}
}

// convertMessage converts a completion message. Providers that omit tool
// call ids get ids synthesized from the call position.
func convertMessage(msg openai.ChatCompletionMessage) model.Message {
	out := model.Message{Role: model.RoleAssistant, Content: msg.Content}
	for j, toolCall := range msg.ToolCalls {
		if toolCall.Function.Name == "" && toolCall.ID == "" {
			continue
		}
		id := toolCall.ID
		if id == "" {
			id = fmt.Sprintf("auto_call_%d", j)
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   id,
			Type: functionToolType,
			Function: model.FunctionDefinitionParam{
				Name:      toolCall.Function.Name,
				Arguments: []byte(toolCall.Function.Arguments),
			},
		})
	}
	return out
}
