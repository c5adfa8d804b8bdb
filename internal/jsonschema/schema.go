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

// Package jsonschema generates tool input schemas from Go types.
package jsonschema

import (
	"reflect"
	"strings"

	"trpc.group/trpc-go/threadgraph/tool"
)

// Generate builds the schema of t. Struct fields follow their json tags:
// "-" skips a field, pointer fields and fields tagged omitempty are
// optional. A `jsonschema:"description=...,enum=a|b,required"` tag adds
// a description, an enum, or forces a field to be required.
func Generate(t reflect.Type) *tool.Schema {
	if t == nil {
		return &tool.Schema{Type: "object"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fieldSchema(t)
	}
	return structSchema(t)
}

func structSchema(t reflect.Type) *tool.Schema {
	schema := &tool.Schema{
		Type:       "object",
		Properties: map[string]*tool.Schema{},
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(field)
		if skip {
			continue
		}
		fs := fieldSchema(field.Type)
		forced := applyTag(fs, field.Tag.Get("jsonschema"))
		schema.Properties[name] = fs
		if forced || (field.Type.Kind() != reflect.Ptr && !omitEmpty) {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func fieldSchema(t reflect.Type) *tool.Schema {
	switch t.Kind() {
	case reflect.String:
		return &tool.Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &tool.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &tool.Schema{Type: "number"}
	case reflect.Bool:
		return &tool.Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &tool.Schema{Type: "array", Items: fieldSchema(t.Elem())}
	case reflect.Map:
		return &tool.Schema{Type: "object", AdditionalProperties: fieldSchema(t.Elem())}
	case reflect.Ptr:
		return fieldSchema(t.Elem())
	case reflect.Struct:
		return structSchema(t)
	default:
		return &tool.Schema{Type: "object"}
	}
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	if tag == "" {
		return name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

// applyTag reports whether the tag forces the field to be required.
func applyTag(s *tool.Schema, tag string) bool {
	if tag == "" {
		return false
	}
	required := false
	for _, part := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "description":
			s.Description = value
		case "enum":
			for _, v := range strings.Split(value, "|") {
				s.Enum = append(s.Enum, v)
			}
		case "required":
			required = true
		}
	}
	return required
}
