// Package provider defines the object stores published build output can be
// mirrored to.
//
// Providers implement only what the mirror needs: write, list and delete
// objects under a prefix. Authentication uses SDK default credential chains.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is a writable object store.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// PutObject creates or replaces the object at key.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts PutOptions) error

	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// DeleteObject removes the object at key. Deleting a missing object is
	// not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// PutOptions carries object headers. Stores without headers ignore them.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	token := ""
	for {
		page, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

// ProviderType identifies an object store.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ParseType maps a configured provider name to a ProviderType.
func ParseType(name string) (ProviderType, error) {
	switch ProviderType(name) {
	case ProviderS3, ProviderFile:
		return ProviderType(name), nil
	default:
		return "", &ProviderError{Op: "Configure", Provider: ProviderType(name), Err: ErrUnsupportedProvider}
	}
}
