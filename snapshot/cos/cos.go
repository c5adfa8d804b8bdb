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

// Package cos uploads thread snapshots to Tencent Cloud Object Storage.
//
// Objects are named <prefix>/<thread>/<timestamp>.json. Credentials come
// from WithSecretID and WithSecretKey or the COS_SECRETID and
// COS_SECRETKEY environment variables.
package cos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/threadgraph/snapshot"
)

const (
	defaultTimeout = 60 * time.Second
	defaultPrefix  = "threadgraph"
	contentType    = "application/json"
)

type client interface {
	PutObject(ctx context.Context, name string, content io.Reader, mimeType string) error
}

type cosClient struct {
	*cos.Client
}

func (c *cosClient) PutObject(ctx context.Context, name string, content io.Reader, mimeType string) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: mimeType,
		},
	}
	_, err := c.Client.Object.Put(ctx, name, content, opt)
	return err
}

type options struct {
	client     client
	httpClient *http.Client
	timeout    time.Duration
	secretID   string
	secretKey  string
	prefix     string
}

// Option configures a Writer.
type Option func(*options)

// WithClient uses a preconfigured COS client.
func WithClient(c *cos.Client) Option {
	return func(o *options) {
		o.client = &cosClient{Client: c}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithSecretID sets the COS secret id.
func WithSecretID(id string) Option {
	return func(o *options) {
		o.secretID = id
	}
}

// WithSecretKey sets the COS secret key.
func WithSecretKey(key string) Option {
	return func(o *options) {
		o.secretKey = key
	}
}

// WithPrefix sets the object name prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// Writer implements snapshot.Writer on a COS bucket.
type Writer struct {
	client client
	prefix string
	now    func() time.Time
}

var _ snapshot.Writer = (*Writer)(nil)

// NewWriter creates a Writer for the bucket at bucketURL, for example
// https://bucket-1250000000.cos.ap-guangzhou.myqcloud.com.
func NewWriter(bucketURL string, opts ...Option) (*Writer, error) {
	o := &options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
		prefix:    defaultPrefix,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		u, err := url.Parse(bucketURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid cos bucket url %q", bucketURL)
		}
		httpClient := o.httpClient
		if httpClient == nil {
			httpClient = &http.Client{
				Transport: &cos.AuthorizationTransport{
					SecretID:  o.secretID,
					SecretKey: o.secretKey,
				},
			}
		}
		if o.timeout > 0 {
			httpClient.Timeout = o.timeout
		}
		o.client = &cosClient{Client: cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient)}
	}
	return &Writer{client: o.client, prefix: o.prefix, now: time.Now}, nil
}

// ObjectName returns the name a snapshot of thread taken at ts is stored
// under.
func (w *Writer) ObjectName(threadID string, ts time.Time) string {
	name := url.PathEscape(threadID) + "/" + ts.UTC().Format("20060102T150405.000000000Z") + ".json"
	if w.prefix == "" {
		return name
	}
	return path.Join(w.prefix, name)
}

// Write uploads the document.
func (w *Writer) Write(ctx context.Context, threadID string, doc snapshot.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	name := w.ObjectName(threadID, w.now())
	if err := w.client.PutObject(ctx, name, bytes.NewReader(data), contentType); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	return nil
}
