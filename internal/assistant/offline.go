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

package assistant

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/model/scripted"
	"trpc.group/trpc-go/threadgraph/tool/weather"
)

// OfflineModelName names the model used without network access.
const OfflineModelName = "offline"

var cityPattern = regexp.MustCompile(`(?i)weather\s+(?:like\s+)?(?:in|for|at)\s+([\p{L}][\p{L} .'-]*)`)

var sentimentWords = []struct {
	label string
	words []string
}{
	{SentimentVeryNegative, []string{"furious", "terrible", "awful", "hate", "worst", "disgusting"}},
	{SentimentNegative, []string{"bad", "annoyed", "disappointed", "unhappy", "slow", "wrong"}},
	{SentimentPositive, []string{"great", "thanks", "thank you", "love", "awesome", "excellent"}},
}

// NewOfflineModel returns a deterministic rule based model. It asks for
// the weather when the user mentions a city, summarizes tool results,
// labels sentiment from keywords and echoes everything else.
func NewOfflineModel() *scripted.Model {
	return scripted.NewFunc(OfflineModelName, offlineReply)
}

func offlineReply(_ context.Context, req *model.Request) (model.Message, error) {
	if req.StructuredOutput != nil {
		return model.NewAssistantMessage(fmt.Sprintf(`{"label":%q}`, classify(lastUser(req.Messages)))), nil
	}
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == model.RoleTool {
		return model.NewAssistantMessage(summarizeTools(req.Messages)), nil
	}
	text := lastUser(req.Messages)
	if _, ok := req.Tools[weather.Name]; ok {
		if city := extractCity(text); city != "" {
			call, err := model.NewToolCall(fmt.Sprintf("call_%d", len(req.Messages)), weather.Name,
				map[string]any{"city": city})
			if err != nil {
				return model.Message{}, err
			}
			return model.NewToolCallMessage("", call), nil
		}
	}
	if text == "" {
		return model.NewAssistantMessage("Hello! How can I help you today?"), nil
	}
	return model.NewAssistantMessage("You said: " + text), nil
}

func lastUser(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func extractCity(text string) string {
	m := cityPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	// Cut trailing clauses such as "today" or "right now".
	city := strings.TrimSpace(strings.TrimRight(m[1], ".?! "))
	for _, stop := range []string{" today", " tomorrow", " right now", " now"} {
		city = strings.TrimSuffix(city, stop)
	}
	return strings.TrimSpace(city)
}

func classify(text string) string {
	lower := strings.ToLower(text)
	for _, s := range sentimentWords {
		for _, w := range s.words {
			if strings.Contains(lower, w) {
				return s.label
			}
		}
	}
	return SentimentNeutral
}

// summarizeTools answers with the results of the trailing tool messages.
func summarizeTools(msgs []model.Message) string {
	var results []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == model.RoleTool; i-- {
		results = append([]string{msgs[i].Content}, results...)
	}
	if len(results) == 1 {
		return "The current weather is: " + results[0] + "."
	}
	return "Here is what I found: " + strings.Join(results, "; ") + "."
}
