package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personabot/pkg/persona"
)

func buildSpec(text, image string) persona.PromptSpec {
	var b persona.Builder
	return b.Build(persona.Relationship, persona.Profile{Name: "Sam", Gender: persona.Female, Age: 24}, text, image)
}

func TestFingerprint(t *testing.T) {
	a := buildSpec("hi", "")
	assert.Equal(t, Fingerprint(a), Fingerprint(buildSpec("hi", "")))
	assert.Len(t, Fingerprint(a), 64)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(buildSpec("hey", "")))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(buildSpec("hi", "QUJD")))

	var b persona.Builder
	other := b.Build(persona.Relationship, persona.Profile{Name: "Sam", Gender: persona.Male, Age: 24}, "hi", "")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(other))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "pb:reply:abc", (&Cache{prefix: "pb"}).Key("reply", "abc"))
	assert.Equal(t, "reply:abc", (&Cache{}).Key("reply", "abc"))
}

func TestRedisCache_RoundTrip(t *testing.T) {
	if err := godotenv.Load("../../.env"); err != nil {
		t.Log("Warning: Error loading .env file")
	}

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("Skipping Redis test: REDIS_URL not set")
	}

	c, err := NewRedisCache(url, "personabot-test", time.Minute)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	spec := buildSpec("cache me "+time.Now().String(), "")

	_, err = c.GetReply(ctx, spec)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.SetReply(ctx, spec, Reply{Text: "cached", Model: "gemini-2.0-flash"}))

	got, err := c.GetReply(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Text)
	assert.Equal(t, "gemini-2.0-flash", got.Model)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, c.Delete(ctx, c.Key("reply", Fingerprint(spec))))
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache("not a url", "", 0)
	assert.Error(t, err)
}
