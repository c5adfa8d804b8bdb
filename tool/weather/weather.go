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

// Package weather provides the get_weather demo tool.
package weather

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"trpc.group/trpc-go/threadgraph/tool/function"
)

// Name is the tool name exposed to the model.
const Name = "get_weather"

// Args are the get_weather arguments.
type Args struct {
	City string `json:"city" jsonschema:"description=Name of the city to get the weather for"`
}

var fold = cases.Fold()

// Lookup returns the canned forecast for city. Matching is a case
// insensitive substring test.
func Lookup(city string) string {
	c := fold.String(city)
	switch {
	case strings.Contains(c, "madrid"):
		return "Sunny, 25°C"
	case strings.Contains(c, "london"):
		return "Rainy, 15°C"
	default:
		return "Cloudy, 20°C"
	}
}

// New returns the get_weather tool.
func New() *function.FunctionTool[Args, string] {
	return function.NewFunctionTool(
		func(_ context.Context, a Args) (string, error) {
			return Lookup(a.City), nil
		},
		function.WithName(Name),
		function.WithDescription("Get weather for a city."),
	)
}
