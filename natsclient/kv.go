package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/gazestream/errors"
)

// EnsureKeyValue returns the bucket, creating it when it does not exist.
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}

	kv, err := js.CreateKeyValue(ctx, cfg)
	if err == nil {
		c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
		return kv, nil
	}
	if !isAlreadyExistsError(err) {
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", "create bucket "+cfg.Bucket)
	}

	// lost a creation race with another client
	kv, err = js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue",
			fmt.Sprintf("access existing bucket %s", cfg.Bucket))
	}
	return kv, nil
}

// PutKV stores value under key in bucket and returns the new revision.
func (c *Client) PutKV(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	kv, err := c.EnsureKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return 0, err
	}
	rev, err := kv.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "PutKV", fmt.Sprintf("put %s/%s", bucket, key))
	}
	return rev, nil
}

// GetKV reads key from bucket.
func (c *Client) GetKV(ctx context.Context, bucket, key string) ([]byte, uint64, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, 0, err
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, 0, errors.WrapTransient(err, "Client", "GetKV", "open bucket "+bucket)
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return nil, 0, errors.WrapTransient(err, "Client", "GetKV", fmt.Sprintf("get %s/%s", bucket, key))
	}
	return entry.Value(), entry.Revision(), nil
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}
