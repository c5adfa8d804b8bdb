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

package dynamodb

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/checkpointtest"
)

var _ graph.CheckpointSaver = (*Saver)(nil)

// fakeClient is an in-memory table understanding the expressions the
// saver sends.
type fakeClient struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int
	queries  int
	putErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	pk, sk := str(in.Item["PK"]), str(in.Item["SK"])
	part := f.items[pk]
	if part == nil {
		part = make(map[string]map[string]types.AttributeValue)
		f.items[pk] = part
	}
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(PK)" {
		if _, exists := part[sk]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	part[sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	pk := str(in.ExpressionAttributeValues[":pk"])
	part := f.items[pk]
	keys := make([]string, 0, len(part))
	for sk := range part {
		keys = append(keys, sk)
	}
	sort.Strings(keys)
	if !aws.ToBool(in.ScanIndexForward) {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}
	if start := in.ExclusiveStartKey; start != nil {
		after := str(start["SK"])
		for i, k := range keys {
			if k == after {
				keys = keys[i+1:]
				break
			}
		}
	}
	limit := len(keys)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}
	if f.pageSize > 0 && f.pageSize < limit {
		limit = f.pageSize
	}
	out := &dynamodb.QueryOutput{}
	for _, k := range keys[:limit] {
		out.Items = append(out.Items, part[k])
	}
	if limit < len(keys) {
		last := keys[limit-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: last},
		}
	}
	return out, nil
}

func (f *fakeClient) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, sk := str(in.Key["PK"]), str(in.Key["SK"])
	delete(f.items[pk], sk)
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestSaverConformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T, max int) graph.CheckpointSaver {
		var opts []Option
		if max > 0 {
			opts = append(opts, WithMaxCheckpointsPerThread(max))
		}
		s, err := NewSaver(newFakeClient(), "checkpoints", opts...)
		require.NoError(t, err)
		return s
	})
}

func TestSaverPaginates(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.pageSize = 2
	s, err := NewSaver(client, "checkpoints", WithMaxCheckpointsPerThread(0))
	require.NoError(t, err)
	for step := 1; step <= 5; step++ {
		require.NoError(t, s.Put(ctx, checkpointtest.Checkpoint(t, "t1", step)))
	}
	list, err := s.List(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, 5, list[0].Step)
	assert.Equal(t, 1, list[4].Step)
}

func TestSaverItemShape(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s, err := NewSaver(client, "checkpoints", WithTTL(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, checkpointtest.Checkpoint(t, "t1", 12)))

	item := client.items["THREAD#t1"]["STEP#000000000012"]
	require.NotNil(t, item)
	assert.Equal(t, "t1", str(item["ThreadID"]))
	ttl, ok := item["TTL"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.NotEmpty(t, ttl.Value)
	assert.Contains(t, client.items[indexPK], "THREAD#t1")
}

func TestSaverPutError(t *testing.T) {
	client := newFakeClient()
	client.putErr = errors.New("throttled")
	s, err := NewSaver(client, "checkpoints")
	require.NoError(t, err)
	err = s.Put(context.Background(), checkpointtest.Checkpoint(t, "t1", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, graph.ErrStepConflict)
	assert.Contains(t, err.Error(), "throttled")
}

func TestNewSaverValidation(t *testing.T) {
	_, err := NewSaver(nil, "t")
	assert.Error(t, err)
	_, err = NewSaver(newFakeClient(), "")
	assert.Error(t, err)
}
