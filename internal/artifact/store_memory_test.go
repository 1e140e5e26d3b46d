package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"intake/pkg/sentinel"
)

// =============================================================================
// Artifact Store Suite
// =============================================================================

type StoreSuite struct {
	suite.Suite
	store *InMemoryStore
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
}

func (s *StoreSuite) TestPutIfAbsent() {
	ctx := context.Background()
	data := []byte(`{"status":"IDENTITY_CONFIRMED"}`)
	ref := NewRef("urn:ieim:schema:test:1.0.0", "artifacts/m1/IDENTITY/abc.json", data)

	s.Run("first write persists", func() {
		s.NoError(s.store.PutIfAbsent(ctx, "m1", "IDENTITY", ref, data))
		got, err := s.store.Get(ctx, ref)
		s.Require().NoError(err)
		s.Equal(data, got)
	})

	s.Run("identical re-write is a no-op", func() {
		s.NoError(s.store.PutIfAbsent(ctx, "m1", "IDENTITY", ref, data))
		refs, err := s.store.ListByMessage(ctx, "m1", "IDENTITY")
		s.Require().NoError(err)
		s.Len(refs, 1)
	})

	s.Run("ref digest must match the content", func() {
		bad := ref
		bad.SHA256 = NewRef("", "", []byte("other")).SHA256
		err := s.store.PutIfAbsent(ctx, "m1", "IDENTITY", bad, data)
		s.ErrorIs(err, sentinel.ErrImmutability)
	})

	s.Run("missing artifacts report not found", func() {
		_, err := s.store.Get(ctx, NewRef("x", "y", []byte("unseen")))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestListByMessage() {
	ctx := context.Background()
	for i, name := range []string{"a", "b", "c"} {
		data := []byte(name)
		ref := NewRef("urn:ieim:schema:test:1.0.0", "artifacts/m1/ROUTE/"+name+".json", data)
		s.Require().NoError(s.store.PutIfAbsent(ctx, "m1", "ROUTE", ref, data))
		refs, err := s.store.ListByMessage(ctx, "m1", "ROUTE")
		s.Require().NoError(err)
		s.Require().Len(refs, i+1)
		s.Equal(ref, refs[i], "insertion order must be preserved")
	}

	refs, err := s.store.ListByMessage(ctx, "m1", "IDENTITY")
	s.Require().NoError(err)
	s.Empty(refs)
}

func (s *StoreSuite) TestBlobStore() {
	ctx := context.Background()
	blobs := NewInMemoryBlobStore()

	sha, err := blobs.Put(ctx, []byte("attachment bytes"))
	s.Require().NoError(err)

	again, err := blobs.Put(ctx, []byte("attachment bytes"))
	s.Require().NoError(err)
	s.Equal(sha, again)

	data, err := blobs.Get(ctx, sha)
	s.Require().NoError(err)
	s.Equal([]byte("attachment bytes"), data)

	_, err = blobs.Get(ctx, "sha256:unseen")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestValidatorRegistry() {
	type labeled struct {
		Queue  string `validate:"required,canonical_queue"`
		SHA256 string `validate:"required,prefixed_sha256"`
	}

	s.Run("canonical values pass", func() {
		s.NoError(ValidateStruct(labeled{
			Queue:  "QUEUE_LEGAL",
			SHA256: NewRef("", "", []byte("x")).SHA256,
		}))
	})

	s.Run("non-canonical labels fail", func() {
		s.Error(ValidateStruct(labeled{
			Queue:  "QUEUE_NOWHERE",
			SHA256: NewRef("", "", []byte("x")).SHA256,
		}))
	})

	s.Run("malformed digests fail", func() {
		s.Error(ValidateStruct(labeled{Queue: "QUEUE_LEGAL", SHA256: "deadbeef"}))
	})
}
