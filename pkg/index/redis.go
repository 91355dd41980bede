package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openscience-archive/osa/pkg/srn"
)

// RedisBackend projects records into Redis as an inverted keyword index:
// one set per token holding record SRNs, plus a per-record key with the
// document body and its token list for idempotent re-indexing.
type RedisBackend struct {
	name   string
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend over an existing Redis client. All
// keys are namespaced under "osa:index:<name>:".
func NewRedisBackend(name string, client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{
		name:   name,
		client: client,
		prefix: fmt.Sprintf("osa:index:%s:", name),
	}
}

func (b *RedisBackend) Name() string {
	return b.name
}

func (b *RedisBackend) tokenKey(token string) string {
	return b.prefix + "tok:" + token
}

func (b *RedisBackend) docKey(recordSRN string) string {
	return b.prefix + "doc:" + recordSRN
}

type redisDoc struct {
	Metadata map[string]any `json:"metadata"`
	Tokens   []string       `json:"tokens"`
}

func (b *RedisBackend) Ingest(ctx context.Context, docs []Document) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		key := doc.RecordSRN.String()

		// Drop the previous projection before writing the new one.
		prev, err := b.client.Get(ctx, b.docKey(key)).Bytes()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("reading previous projection of %s: %w", key, err)
		}
		var stale []string
		if err == nil {
			var old redisDoc
			if json.Unmarshal(prev, &old) == nil {
				stale = old.Tokens
			}
		}

		next := redisDoc{
			Metadata: doc.Metadata,
			Tokens:   Tokenize(flattenMetadata(doc.Metadata)),
		}
		body, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding projection of %s: %w", key, err)
		}

		pipe := b.client.TxPipeline()
		for _, tok := range stale {
			pipe.SRem(ctx, b.tokenKey(tok), key)
		}
		for _, tok := range next.Tokens {
			pipe.SAdd(ctx, b.tokenKey(tok), key)
		}
		pipe.Set(ctx, b.docKey(key), body, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", key, err)
		}
		ids = append(ids, key)
	}
	return ids, nil
}

func (b *RedisBackend) Delete(ctx context.Context, recordSRN srn.SRN) error {
	key := recordSRN.String()

	prev, err := b.client.Get(ctx, b.docKey(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading projection of %s: %w", key, err)
	}
	var old redisDoc
	if err := json.Unmarshal(prev, &old); err != nil {
		old.Tokens = nil
	}

	pipe := b.client.TxPipeline()
	for _, tok := range old.Tokens {
		pipe.SRem(ctx, b.tokenKey(tok), key)
	}
	pipe.Del(ctx, b.docKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting projection of %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	res := &SearchResult{Hits: []Hit{}, Query: query}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return res, nil
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = b.tokenKey(tok)
	}

	// All query tokens must match, so every hit scores the full token
	// count.
	members, err := b.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", b.name, err)
	}
	res.Total = len(members)
	if len(members) > limit {
		members = members[:limit]
	}

	for _, member := range members {
		id, err := srn.Parse(member)
		if err != nil {
			continue
		}
		hit := Hit{RecordSRN: id, Score: float64(len(tokens))}
		if body, err := b.client.Get(ctx, b.docKey(member)).Bytes(); err == nil {
			var doc redisDoc
			if json.Unmarshal(body, &doc) == nil {
				hit.Metadata = doc.Metadata
			}
		}
		res.Hits = append(res.Hits, hit)
	}
	return res, nil
}
