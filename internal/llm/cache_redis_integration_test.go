//go:build integration

package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"intake/internal/determinism"
	"intake/internal/llm"
	"intake/pkg/sentinel"
	"intake/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *llm.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.cache = llm.NewRedisCache(s.redis.Client, time.Hour)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func key(prompt string) llm.CacheKey {
	return llm.CacheKey{
		Purpose:           llm.PurposeClassify,
		ModelID:           "test-model",
		Params:            llm.DeterministicParams,
		PromptSHA256:      llm.PromptSHA256(prompt),
		InputDigestSHA256: determinism.SHA256Text("input"),
	}
}

func (s *RedisCacheSuite) TestRoundTrip() {
	ctx := context.Background()
	art := llm.InferenceArtifact{
		OutputJSON:   `{"a":1}`,
		OutputSHA256: determinism.SHA256Text(`{"a":1}`),
	}

	s.Require().NoError(s.cache.Put(ctx, key("p"), art))

	got, err := s.cache.Get(ctx, key("p"))
	s.Require().NoError(err)
	s.Equal(art.OutputSHA256, got.OutputSHA256)

	_, err = s.cache.Get(ctx, key("unseen"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisCacheSuite) TestImmutability() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Put(ctx, key("p"), llm.InferenceArtifact{
		OutputJSON: `{"a":1}`, OutputSHA256: determinism.SHA256Text(`{"a":1}`),
	}))

	s.NoError(s.cache.Put(ctx, key("p"), llm.InferenceArtifact{
		OutputJSON: `{"a":1}`, OutputSHA256: determinism.SHA256Text(`{"a":1}`),
	}))

	err := s.cache.Put(ctx, key("p"), llm.InferenceArtifact{
		OutputJSON: `{"a":2}`, OutputSHA256: determinism.SHA256Text(`{"a":2}`),
	})
	s.ErrorIs(err, sentinel.ErrImmutability)
}

func (s *RedisCacheSuite) TestBudget() {
	ctx := context.Background()
	budget := llm.NewRedisBudget(s.redis.Client, 2)

	for i := 0; i < 2; i++ {
		ok, err := budget.Allow(ctx)
		s.Require().NoError(err)
		s.True(ok)
		s.Require().NoError(budget.Consume(ctx))
	}

	ok, err := budget.Allow(ctx)
	s.Require().NoError(err)
	s.False(ok)
}
