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

// Package assistant assembles the conversation graph served by the CLI
// and the HTTP server, and the components it runs on.
package assistant

import (
	"errors"
	"time"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/tool"
)

// Node ids.
const (
	NodeClassify = "classify_sentiment"
	NodeEscalate = "escalate"
	NodeChatbot  = "chatbot"
	NodeTools    = "tools"
)

// Sentiment labels, in routing priority order.
const (
	SentimentVeryNegative = "very negative"
	SentimentNegative     = "negative"
	SentimentNeutral      = "neutral"
	SentimentPositive     = "positive"
)

// Sentiments lists the labels the classifier may answer with.
var Sentiments = []string{SentimentVeryNegative, SentimentNegative, SentimentNeutral, SentimentPositive}

const (
	// DefaultSystemPrompt is the instruction of the chatbot node.
	DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."
	// HandoffMessage is appended by the escalate node.
	HandoffMessage = "I'm sorry about your experience. I'm handing this conversation to a human agent who will follow up shortly."

	classifierPrompt = "Classify the sentiment of the user's latest message."
	modelErrorReply  = "Sorry, I could not reach the language model. Please try again."
)

// GraphConfig describes the conversation graph.
type GraphConfig struct {
	// LLM answers in the chatbot node.
	LLM model.Model
	// Classifier labels sentiment, defaulting to LLM.
	Classifier model.Model
	Tools      *tool.Set
	// SystemPrompt defaults to DefaultSystemPrompt.
	SystemPrompt string
	// Sentiment enables the classify_sentiment entry node.
	Sentiment   bool
	Generation  model.GenerationConfig
	ToolTimeout time.Duration
	// ErrorAsMessage turns model failures into an apology message
	// instead of failing the run.
	ErrorAsMessage bool
}

// NewGraph builds the conversation graph:
//
//	classify_sentiment -> escalate | chatbot
//	chatbot -> tools | End
//	tools -> chatbot
//	escalate -> End
//
// Without sentiment the entry point is chatbot.
func NewGraph(cfg GraphConfig) (*graph.Graph, error) {
	if cfg.LLM == nil {
		return nil, errors.New("assistant: model is required")
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	llmOpts := []graph.LLMOption{graph.WithGenerationConfig(cfg.Generation)}
	if cfg.ErrorAsMessage {
		llmOpts = append(llmOpts, graph.WithErrorAsMessage(modelErrorReply))
	}

	sg := graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode(NodeChatbot, graph.NewLLMNodeFunc(cfg.LLM, prompt, cfg.Tools, llmOpts...),
			graph.WithNodeType(graph.NodeTypeLLM),
			graph.WithDescription("Answers the user, calling tools when needed."),
			graph.WithWrites(graph.StateKeyMessages, graph.StateKeyLastResponse, graph.StateKeyError),
		).
		AddNode(NodeTools, graph.NewToolsNodeFunc(cfg.Tools, graph.WithToolTimeout(cfg.ToolTimeout)),
			graph.WithNodeType(graph.NodeTypeTool),
			graph.WithDescription("Runs the tool calls of the last assistant message."),
			graph.WithWrites(graph.StateKeyMessages),
		).
		AddEdge(NodeTools, NodeChatbot).
		AddToolsConditionalEdges(NodeChatbot, NodeTools, graph.End)

	if !cfg.Sentiment {
		return sg.SetEntryPoint(NodeChatbot).Compile()
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = cfg.LLM
	}
	return sg.
		AddNode(NodeClassify,
			graph.NewClassifierNodeFunc(classifier, classifierPrompt,
				graph.StateKeyCurrentSentiment, Sentiments, SentimentNeutral),
			graph.WithNodeType(graph.NodeTypeRouter),
			graph.WithDescription("Labels the sentiment of the latest user message."),
			graph.WithWrites(graph.StateKeyCurrentSentiment),
		).
		AddNode(NodeEscalate, graph.NewStaticMessageNodeFunc(HandoffMessage),
			graph.WithDescription("Hands the conversation to a human."),
			graph.WithWrites(graph.StateKeyMessages, graph.StateKeyLastResponse),
		).
		AddConditionalEdges(NodeClassify, []graph.Branch{
			sentimentBranch(SentimentVeryNegative, NodeEscalate),
			sentimentBranch(SentimentNegative, NodeChatbot),
			sentimentBranch(SentimentNeutral, NodeChatbot),
			sentimentBranch(SentimentPositive, NodeChatbot),
		}, NodeChatbot).
		AddEdge(NodeEscalate, graph.End).
		SetEntryPoint(NodeClassify).
		Compile()
}

func sentimentBranch(label, to string) graph.Branch {
	return graph.Branch{
		Label: label,
		Predicate: func(s graph.State) bool {
			return graph.GetString(s, graph.StateKeyCurrentSentiment) == label
		},
		To: to,
	}
}
