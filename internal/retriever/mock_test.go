package retriever

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/store"
)

// mockStore implements Store for testing.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *mockStore) SetDocumentEmbedding(ctx context.Context, id string, emb model.Vector) error {
	args := m.Called(ctx, id, emb)
	return args.Error(0)
}

func (m *mockStore) FindCandidates(ctx context.Context, q store.CandidateQuery) ([]model.Candidate, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}
