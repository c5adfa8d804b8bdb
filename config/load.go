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

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREADGRAPH_"

var validate = newValidator()

// Load reads the YAML file at path, applies environment overrides on top
// and validates the result. An empty path starts from the defaults.
func Load(path string) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	applyEnv(raw, os.LookupEnv)
	return Decode(raw)
}

// Decode decodes raw on top of the defaults and validates the result.
func Decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and backend requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	for i, s := range c.MCP {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid config: mcp[%d]: %w", i, err)
		}
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(checkpointRules, CheckpointConfig{})
	v.RegisterStructValidation(lockRules, LockConfig{})
	v.RegisterStructValidation(modelRules, ModelConfig{})
	return v
}

func checkpointRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(CheckpointConfig)
	switch c.Backend {
	case BackendSQLite, BackendFile:
		if c.Path == "" {
			sl.ReportError(c.Path, "path", "Path", "required_for", c.Backend)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			sl.ReportError(c.RedisURL, "redis_url", "RedisURL", "required_for", c.Backend)
		}
	case BackendDynamoDB:
		if c.Table == "" {
			sl.ReportError(c.Table, "table", "Table", "required_for", c.Backend)
		}
	}
}

func lockRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(LockConfig)
	if c.Backend == LockRedis && c.RedisURL == "" {
		sl.ReportError(c.RedisURL, "redis_url", "RedisURL", "required_for", c.Backend)
	}
}

func modelRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(ModelConfig)
	if (c.Project == "") != (c.Location == "") {
		sl.ReportError(c.Location, "location", "Location", "required_with", "project")
	}
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_for":
		return fmt.Sprintf("%s is required for %s", field, e.Param())
	case "required_with":
		return fmt.Sprintf("%s is required with %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid url", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// EnvKeys lists the environment variables understood by Load, keyed by
// the dotted config path they override.
func EnvKeys() map[string]string {
	keys := map[string]string{}
	collectKeys(reflect.TypeOf(Config{}), "", keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			collectKeys(f.Type, path, keys)
		case reflect.Slice:
			// Lists of structs cannot be expressed in a single variable.
			if f.Type.Elem().Kind() == reflect.Struct {
				continue
			}
			keys[path] = envName(path)
		default:
			keys[path] = envName(path)
		}
	}
}

func envName(path string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func applyEnv(raw map[string]any, lookup func(string) (string, bool)) {
	for path, env := range EnvKeys() {
		v, ok := lookup(env)
		if !ok {
			continue
		}
		setPath(raw, strings.Split(path, "."), v)
	}
}

func setPath(m map[string]any, path []string, v any) {
	if len(path) == 1 {
		m[path[0]] = v
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[path[0]] = child
	}
	setPath(child, path[1:], v)
}
