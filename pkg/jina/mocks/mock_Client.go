// Package mocks provides test doubles for the jina client.
package mocks

import (
	"context"

	jina "github.com/watchtower-hq/watchtower/pkg/jina"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Embed provides a mock function with given fields: ctx, texts, task
func (_m *MockClient) Embed(ctx context.Context, texts []string, task jina.Task) (*jina.EmbedResponse, error) {
	ret := _m.Called(ctx, texts, task)

	if len(ret) == 0 {
		panic("no return value specified for Embed")
	}

	var r0 *jina.EmbedResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, []string, jina.Task) (*jina.EmbedResponse, error)); ok {
		return rf(ctx, texts, task)
	}
	if rf, ok := ret.Get(0).(func(context.Context, []string, jina.Task) *jina.EmbedResponse); ok {
		r0 = rf(ctx, texts, task)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*jina.EmbedResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, []string, jina.Task) error); ok {
		r1 = rf(ctx, texts, task)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
