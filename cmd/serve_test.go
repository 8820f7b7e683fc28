package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/pipeline"
	"github.com/watchtower-hq/watchtower/internal/store"
)

type noopProcessor struct{}

func (noopProcessor) Process(ctx context.Context, documentID string) (*pipeline.Result, error) {
	return &pipeline.Result{DocumentID: documentID}, nil
}

func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	q := pipeline.NewQueue(noopProcessor{}, st, config.PipelineConfig{
		Workers: 1, QueueSize: 4, MaxDocumentRetry: 1,
	})
	return &appEnv{Store: st, Queue: q}
}

func postIngest(env *appEnv, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body))
	w := httptest.NewRecorder()
	handleIngest(env, w, req)
	return w
}

func TestHandleIngest_Accepted(t *testing.T) {
	env := newTestEnv(t)

	w := postIngest(env, `{"source":"webhook","content":"major outage in us-east"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "document_id")
}

func TestHandleIngest_MissingContent(t *testing.T) {
	env := newTestEnv(t)

	w := postIngest(env, `{"source":"webhook"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIngest_UnknownSource(t *testing.T) {
	env := newTestEnv(t)

	w := postIngest(env, `{"source":"carrier-pigeon","content":"hello"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown source")
}

func TestHandleIngest_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	w := postIngest(env, `{not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIngest_QueueFull(t *testing.T) {
	env := newTestEnv(t)

	// Workers never started; fill the buffer.
	for range 4 {
		require.NoError(t, env.Queue.Enqueue("filler"))
	}

	w := postIngest(env, `{"source":"api","content":"burst"}`)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	// The document is persisted even when matching is deferred.
	assert.Contains(t, w.Body.String(), "document_id")
}
