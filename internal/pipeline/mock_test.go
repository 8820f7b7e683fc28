package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

type mockDocGetter struct {
	mock.Mock
}

func (m *mockDocGetter) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) Retrieve(ctx context.Context, doc *model.Document) ([]model.Candidate, error) {
	args := m.Called(ctx, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.VerificationRecord, error) {
	args := m.Called(ctx, crit, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VerificationRecord), args.Error(1)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, crit *model.Criterion, doc *model.Document) (*model.DeliveryEvent, error) {
	args := m.Called(ctx, crit, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryEvent), args.Error(1)
}

type mockSettler struct {
	mock.Mock
}

func (m *mockSettler) Settle(ctx context.Context, crit *model.Criterion, doc *model.Document, rec *model.VerificationRecord, ev *model.DeliveryEvent) error {
	args := m.Called(ctx, crit, doc, rec, ev)
	return args.Error(0)
}

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Process(ctx context.Context, documentID string) (*Result, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Result), args.Error(1)
}

type mockDeadLetterer struct {
	mock.Mock
}

func (m *mockDeadLetterer) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}
