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

// Package gemini adapts the Google Gemini API to model.Model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/tool"
)

// generator is the subset of *genai.Models used by the adapter.
type generator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Model implements model.Model on Gemini.
type Model struct {
	name   string
	models generator
}

type options struct {
	clientConfig *genai.ClientConfig
	models       generator
}

// Option configures a Model.
type Option func(*options)

// WithAPIKey sets the Gemini API key. Without it the client reads
// GOOGLE_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.clientConfig.APIKey = key
	}
}

// WithVertexAI targets Vertex AI in the given project and location.
func WithVertexAI(project, location string) Option {
	return func(o *options) {
		o.clientConfig.Backend = genai.BackendVertexAI
		o.clientConfig.Project = project
		o.clientConfig.Location = location
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.clientConfig.HTTPOptions.BaseURL = url
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.clientConfig.HTTPOptions.Timeout = &d
		}
	}
}

func withGenerator(g generator) Option {
	return func(o *options) {
		o.models = g
	}
}

// New creates a Model for the named Gemini model.
func New(ctx context.Context, name string, opts ...Option) (*Model, error) {
	o := &options{clientConfig: &genai.ClientConfig{Backend: genai.BackendGeminiAPI}}
	for _, opt := range opts {
		opt(o)
	}
	if o.models == nil {
		client, err := genai.NewClient(ctx, o.clientConfig)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		o.models = client.Models
	}
	return &Model{name: name, models: o.models}, nil
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements model.Model. Gemini answers are delivered
// as a single final response.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	contents, system := convertMessages(request.Messages)
	config := buildConfig(request, system)

	ch := make(chan *model.Response, 1)
	go func() {
		defer close(ch)
		var rsp *model.Response
		result, err := m.models.GenerateContent(ctx, m.name, contents, config)
		if err != nil {
			rsp = model.NewErrorResponse(m.name, model.ErrorTypeAPIError, err.Error())
		} else {
			rsp = convertResponse(m.name, result)
		}
		select {
		case ch <- rsp:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func buildConfig(request *model.Request, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if request.Temperature != nil {
		t := float32(*request.Temperature)
		config.Temperature = &t
	}
	if request.TopP != nil {
		p := float32(*request.TopP)
		config.TopP = &p
	}
	if request.MaxTokens != nil {
		config.MaxOutputTokens = int32(*request.MaxTokens)
	}
	if len(request.Stop) > 0 {
		config.StopSequences = append([]string(nil), request.Stop...)
	}
	if so := request.StructuredOutput; so != nil && so.Schema != nil {
		config.ResponseMIMEType = "application/json"
	}
	if decls := convertTools(request.Tools); len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// convertMessages maps the conversation onto Gemini contents. System
// messages are joined into the system instruction. Tool results are sent
// as function responses on the user side.
func convertMessages(messages []model.Message) ([]*genai.Content, string) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, msg.Content)
		case model.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args, err := call.Args()
				if err != nil {
					args = map[string]any{}
				}
				part := genai.NewPartFromFunctionCall(call.Function.Name, args)
				part.FunctionCall.ID = call.ID
				content.Parts = append(content.Parts, part)
			}
			contents = append(contents, content)
		case model.RoleTool:
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{"result": msg.Content})
			part.FunctionResponse.ID = msg.ToolID
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func convertTools(tools map[string]tool.Tool) []*genai.FunctionDeclaration {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	decls := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		d := tools[name].Declaration()
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  convertSchema(d.InputSchema),
		})
	}
	return decls
}

func convertSchema(s *tool.Schema) *genai.Schema {
	if s == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    append([]string(nil), s.Required...),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = convertSchema(v)
		}
	}
	if s.Items != nil {
		out.Items = convertSchema(s.Items)
	}
	for _, e := range s.Enum {
		out.Enum = append(out.Enum, fmt.Sprint(e))
	}
	return out
}

func convertResponse(name string, result *genai.GenerateContentResponse) *model.Response {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		reason := "no candidates"
		if result != nil && result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(result.PromptFeedback.BlockReason)
		}
		return model.NewErrorResponse(name, model.ErrorTypeAPIError, reason)
	}
	candidate := result.Candidates[0]
	msg := model.Message{Role: model.RoleAssistant}
	var text []string
	for i, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text = append(text, part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, _ := json.Marshal(fc.Args)
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("auto_call_%d", i)
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				Type: "function",
				ID:   id,
				Function: model.FunctionDefinitionParam{
					Name:      fc.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = strings.Join(text, "")
	rsp := model.NewMessageResponse(name, msg)
	rsp.ID = result.ResponseID
	if reason := string(candidate.FinishReason); reason != "" {
		rsp.Choices[0].FinishReason = &reason
	}
	if u := result.UsageMetadata; u != nil {
		rsp.Usage = &model.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return rsp
}
