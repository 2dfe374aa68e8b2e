// Package objectstore is a thin wrapper over S3-style GET/PUT/LIST/DELETE
// against the per-workflow data stores named in a WorkflowDocument.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/oriys/zephyr/internal/domain"
)

// ErrUnknownDataStore is returned when a store name has no entry in
// DataStores.
type ErrUnknownDataStore struct{ Name string }

func (e *ErrUnknownDataStore) Error() string {
	return fmt.Sprintf("unknown data store: %q", e.Name)
}

// Client resolves named data stores to S3 clients and performs the
// seven operations the core needs against them. Clients are built
// lazily and cached, since a single invocation may never touch more
// than one or two of the configured stores.
type Client struct {
	stores map[string]*domain.DataStore

	mu      sync.Mutex
	clients map[string]*s3.Client
}

// New builds a Client over the DataStores map from a workflow document.
func New(stores map[string]*domain.DataStore) *Client {
	return &Client{
		stores:  stores,
		clients: make(map[string]*s3.Client),
	}
}

func (c *Client) resolve(name string) (*s3.Client, *domain.DataStore, error) {
	store, ok := c.stores[name]
	if !ok {
		return nil, nil, &ErrUnknownDataStore{Name: name}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[name]; ok {
		return cli, store, nil
	}

	region := store.Region
	if region == "" {
		region = "us-east-1"
	}

	var creds aws.CredentialsProvider
	if strings.EqualFold(store.Anonymous, "true") {
		creds = aws.AnonymousCredentials{}
	} else {
		creds = credentials.NewStaticCredentialsProvider(store.AccessKey, store.SecretKey, "")
	}

	cli := s3.New(s3.Options{
		Region:       region,
		Credentials:  creds,
		BaseEndpoint: aws.String(store.Endpoint),
		UsePathStyle: true,
	})
	c.clients[name] = cli
	return cli, store, nil
}

// HeadBucket validates that the named store's bucket is reachable.
// Anonymous stores still perform this check; only credentials are
// omitted.
func (c *Client) HeadBucket(ctx context.Context, name string) error {
	cli, store, err := c.resolve(name)
	if err != nil {
		return err
	}
	_, err = cli.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(store.Bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s/%s: %w", name, store.Bucket, err)
	}
	return nil
}

// Put uploads body to key in the named store. An empty body creates a
// zero-length marker object.
func (c *Client) Put(ctx context.Context, name, key string, body []byte) error {
	cli, store, err := c.resolve(name)
	if err != nil {
		return err
	}
	_, err = cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", name, key, err)
	}
	return nil
}

// Get downloads key from the named store and returns its contents.
func (c *Client) Get(ctx context.Context, name, key string) ([]byte, error) {
	cli, store, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	out, err := cli.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", name, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// List returns the keys under prefix in the named store, excluding
// S3 "folder marker" pseudo-objects (keys ending in "/").
func (c *Client) List(ctx context.Context, name, prefix string) ([]string, error) {
	cli, store, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	out, err := cli.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", name, prefix, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Exists reports whether any object exists at exactly key (not a
// prefix match against descendants) in the named store.
func (c *Client) Exists(ctx context.Context, name, key string) (bool, error) {
	keys, err := c.List(ctx, name, key)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes key from the named store.
func (c *Client) Delete(ctx context.Context, name, key string) error {
	cli, store, err := c.resolve(name)
	if err != nil {
		return err
	}
	_, err = cli.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", name, key, err)
	}
	return nil
}

// Download fetches key from the named store and writes it to path on
// local disk, overwriting any existing file there.
func (c *Client) Download(ctx context.Context, name, key, path string) error {
	body, err := c.Get(ctx, name, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("download %s/%s: mkdir: %w", name, key, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("download %s/%s: write: %w", name, key, err)
	}
	return nil
}

// IsNotFound reports whether err is an S3 "not found" style API error
// (404 / NoSuchKey).
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
