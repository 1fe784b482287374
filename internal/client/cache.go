package client

import (
	"context"
	"time"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// CacheTimeout bounds every RemoteCache call.
const CacheTimeout = 30 * time.Second

// RemoteCache is a key/value namespace held by the bridge.
type RemoteCache struct {
	Path   string
	client *Client
}

// Cache returns the bridge cache namespace at path.
func (c *Client) Cache(path string) *RemoteCache {
	return &RemoteCache{Path: path, client: c}
}

func (r *RemoteCache) do(ctx context.Context, req *protocol.CacheRequest) (*protocol.CacheResponse, error) {
	req.Path = r.Path
	var resp protocol.CacheResponse
	if err := r.client.Call(ctx, req.Kind(), req, CacheTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Set stores value under key.
func (r *RemoteCache) Set(ctx context.Context, key string, value any) error {
	_, err := r.do(ctx, &protocol.CacheRequest{Op: protocol.CacheSet, Key: key, Value: value})
	return err
}

// Get decodes the value under key into out and reports whether it exists.
func (r *RemoteCache) Get(ctx context.Context, key string, out any) (bool, error) {
	resp, err := r.do(ctx, &protocol.CacheRequest{Op: protocol.CacheGet, Key: key})
	if err != nil || !resp.Found {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	// Round-trip through the codec to land in the caller's type.
	codec := r.client.opts.Codec
	raw, err := codec.Marshal(resp.Value)
	if err != nil {
		return true, err
	}
	return true, codec.Unmarshal(raw, out)
}

func (r *RemoteCache) Delete(ctx context.Context, key string) error {
	_, err := r.do(ctx, &protocol.CacheRequest{Op: protocol.CacheDelete, Key: key})
	return err
}

func (r *RemoteCache) Clear(ctx context.Context) error {
	_, err := r.do(ctx, &protocol.CacheRequest{Op: protocol.CacheClear})
	return err
}
