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

// Package dynamodb provides a DynamoDB-backed checkpoint saver.
//
// A single table with a string partition key PK and a string sort key SK
// holds every thread. Checkpoints live under PK=THREAD#<id> with
// SK=STEP#<step>, and the thread index under PK=THREADS.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"trpc.group/trpc-go/threadgraph/graph"
)

const (
	threadPrefix = "THREAD#"
	stepPrefix   = "STEP#"
	indexPK      = "THREADS"
)

// Client is the subset of the DynamoDB API used by the saver.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type record struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	ID        string `dynamodbav:"CheckpointID"`
	ThreadID  string `dynamodbav:"ThreadID"`
	Step      int    `dynamodbav:"Step"`
	Version   int    `dynamodbav:"Version"`
	Timestamp string `dynamodbav:"Timestamp"`
	Source    string `dynamodbav:"Source"`
	Node      string `dynamodbav:"Node,omitempty"`
	Next      string `dynamodbav:"Next,omitempty"`
	ToolHops  int    `dynamodbav:"ToolHops"`
	State     string `dynamodbav:"State"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

type indexRecord struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	ThreadID string `dynamodbav:"ThreadID"`
	TTL      int64  `dynamodbav:"TTL,omitempty"`
}

// Saver implements graph.CheckpointSaver on DynamoDB.
type Saver struct {
	client                  Client
	table                   string
	ttl                     time.Duration
	maxCheckpointsPerThread int
}

// Option configures a Saver.
type Option func(*Saver)

// WithTTL sets the TTL attribute on written items. The table must have
// TTL enabled on the attribute "TTL" for expiry to happen.
func WithTTL(ttl time.Duration) Option {
	return func(s *Saver) {
		s.ttl = ttl
	}
}

// WithMaxCheckpointsPerThread bounds the retained history of a thread.
func WithMaxCheckpointsPerThread(max int) Option {
	return func(s *Saver) {
		s.maxCheckpointsPerThread = max
	}
}

// NewSaver creates a saver on client writing to table.
func NewSaver(client Client, table string, opts ...Option) (*Saver, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is nil")
	}
	if table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	s := &Saver{client: client, table: table, maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSaverFromEnv loads the default AWS configuration (environment,
// shared config files, instance role) and creates a saver on table.
// A non empty endpoint overrides the service endpoint, which is how
// DynamoDB Local is reached.
func NewSaverFromEnv(ctx context.Context, table, region, endpoint string, opts ...Option) (*Saver, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSaver(client, table, opts...)
}

func threadPK(threadID string) string {
	return threadPrefix + threadID
}

func stepSK(step int) string {
	return fmt.Sprintf("%s%012d", stepPrefix, step)
}

func (s *Saver) expiry() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return time.Now().Add(s.ttl).Unix()
}

// Put writes the checkpoint with a condition on its key, so an existing
// step is never replaced.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	expires := s.expiry()
	item, err := attributevalue.MarshalMap(record{
		PK:        threadPK(cp.ThreadID),
		SK:        stepSK(cp.Step),
		ID:        cp.ID,
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		Version:   cp.Version,
		Timestamp: cp.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:    cp.Source,
		Node:      cp.Node,
		Next:      cp.Next,
		ToolHops:  cp.ToolHops,
		State:     string(cp.State),
		TTL:       expires,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var conditionalCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailed) {
			return fmt.Errorf("thread %s step %d: %w", cp.ThreadID, cp.Step, graph.ErrStepConflict)
		}
		return fmt.Errorf("dynamodb put checkpoint: %w", err)
	}

	index, err := attributevalue.MarshalMap(indexRecord{
		PK:       indexPK,
		SK:       threadPK(cp.ThreadID),
		ThreadID: cp.ThreadID,
		TTL:      expires,
	})
	if err != nil {
		return fmt.Errorf("marshal thread index: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      index,
	}); err != nil {
		return fmt.Errorf("dynamodb put thread index: %w", err)
	}
	return s.trim(ctx, cp.ThreadID)
}

func (s *Saver) trim(ctx context.Context, threadID string) error {
	if s.maxCheckpointsPerThread <= 0 {
		return nil
	}
	records, err := s.query(ctx, threadPK(threadID), 0, false)
	if err != nil {
		return err
	}
	for i := s.maxCheckpointsPerThread; i < len(records); i++ {
		if err := s.deleteItem(ctx, records[i].PK, records[i].SK); err != nil {
			return err
		}
	}
	return nil
}

// query returns up to limit records of a partition, all when limit <= 0.
func (s *Saver) query(ctx context.Context, pk string, limit int, ascending bool) ([]record, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ScanIndexForward: aws.Bool(ascending),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	var out []record
	for {
		rsp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb query %s: %w", pk, err)
		}
		var page []record
		if err := attributevalue.UnmarshalListOfMaps(rsp.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
		}
		out = append(out, page...)
		if len(rsp.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			break
		}
		input.ExclusiveStartKey = rsp.LastEvaluatedKey
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Saver) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

func (r record) checkpoint() (*graph.Checkpoint, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	return &graph.Checkpoint{
		Version:   r.Version,
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Step:      r.Step,
		Timestamp: ts,
		Source:    r.Source,
		Node:      r.Node,
		Next:      r.Next,
		ToolHops:  r.ToolHops,
		State:     json.RawMessage(r.State),
	}, nil
}

// Latest returns the checkpoint with the highest step of the thread.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	list, err := s.List(ctx, threadID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	records, err := s.query(ctx, threadPK(threadID), limit, false)
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Checkpoint, 0, len(records))
	for _, r := range records {
		cp, err := r.checkpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads returns the sorted ids of indexed threads.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	records, err := s.query(ctx, indexPK, 0, true)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ThreadID)
	}
	return ids, nil
}

// DeleteThread removes every checkpoint of the thread and its index entry.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	records, err := s.query(ctx, threadPK(threadID), 0, true)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := s.deleteItem(ctx, r.PK, r.SK); err != nil {
			return err
		}
	}
	return s.deleteItem(ctx, indexPK, threadPK(threadID))
}

// Close is a no-op; the client is owned by the caller.
func (s *Saver) Close() error {
	return nil
}
