// Package cache stores remote replies in Redis so identical requests skip
// the network.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"personabot/pkg/persona"
)

const ReplyTTL = 1 * time.Hour

// ErrMiss is returned when no reply is cached for a request.
var ErrMiss = errors.New("cache miss")

// Reply is a cached remote answer.
type Reply struct {
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(url string, prefix string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = ReplyTTL
	}
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *Cache) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Fingerprint identifies everything that shapes a remote reply.
func Fingerprint(spec persona.PromptSpec) string {
	h := sha256.New()
	for _, s := range []string{
		string(spec.Mode),
		spec.Persona.Role,
		spec.Profile.Name,
		strconv.Itoa(spec.Profile.Age),
		spec.System,
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	for _, p := range spec.Parts {
		if p.Image != nil {
			h.Write([]byte(p.Image.MimeType))
			h.Write([]byte(p.Image.Data))
		} else {
			h.Write([]byte(p.Text))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetReply returns the cached reply for spec or ErrMiss.
func (c *Cache) GetReply(ctx context.Context, spec persona.PromptSpec) (Reply, error) {
	var r Reply
	if err := c.GetJSON(ctx, c.Key("reply", Fingerprint(spec)), &r); err != nil {
		if errors.Is(err, redis.Nil) {
			return Reply{}, ErrMiss
		}
		return Reply{}, err
	}
	return r, nil
}

// SetReply caches r for spec.
func (c *Cache) SetReply(ctx context.Context, spec persona.PromptSpec, r Reply) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return c.SetJSON(ctx, c.Key("reply", Fingerprint(spec)), r, c.ttl)
}

func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Cache) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
