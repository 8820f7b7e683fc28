package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/cost"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
	"github.com/watchtower-hq/watchtower/pkg/anthropic"
	anthropicmocks "github.com/watchtower-hq/watchtower/pkg/anthropic/mocks"
)

type mockDeliveryStore struct {
	mock.Mock
}

func (m *mockDeliveryStore) InsertDelivery(ctx context.Context, ev *model.DeliveryEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type mockChat struct {
	mock.Mock
}

func (m *mockChat) SendMessage(ctx context.Context, recipient, text string) (int, error) {
	args := m.Called(ctx, recipient, text)
	return args.Int(0), args.Error(1)
}

func testGenerator(ai anthropic.Client) *Generator {
	calc := cost.NewCalculator(map[string]config.ModelPricing{
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
	})
	return NewGenerator(ai, cost.HeuristicCounter{}, calc, config.AnthropicConfig{
		DefaultModel: "claude-sonnet-4-5-20250929",
		MaxTokens:    1024,
	})
}

func testDispatcher(ai anthropic.Client, chatClient *mockChat, st Store) *Dispatcher {
	d := New(testGenerator(ai), chatClient, st, config.DispatchConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 5,
	})
	// Fast backoff so exhaustion tests stay quick.
	d.retry = resilience.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
	return d
}

func payloadResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 200, OutputTokens: 50},
	}
}

func webhookCriterion(method, url string) *model.Criterion {
	return &model.Criterion{
		ID:       "crit-1",
		TenantID: "tenant-a",
		Prompt:   "alert me about outages",
		Target: model.DeliveryTarget{
			Kind:    model.DeliverWebhook,
			Method:  method,
			URL:     url,
			Headers: map[string]string{"X-Signature": "abc"},
		},
	}
}

func testDoc() *model.Document {
	return &model.Document{ID: "doc-1", Content: "outage in us-east"}
}

func TestDispatch_WebhookSuccess(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Signature"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBody.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`{"alert":"outage","region":"us-east"}`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	ev, err := d.Dispatch(context.Background(), webhookCriterion("POST", srv.URL), testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.Equal(t, 1, ev.Attempts)
	assert.True(t, ev.Succeeded())
	assert.JSONEq(t, `{"alert":"outage","region":"us-east"}`, string(ev.Payload))
	assert.Equal(t, 200, ev.InputTokens)
	assert.Equal(t, 50, ev.OutputTokens)
	assert.InDelta(t, 200*3.00/1e6+50*15.00/1e6, ev.Cost, 1e-12)
	assert.Equal(t, map[string]any{"alert": "outage", "region": "us-east"}, gotBody.Load())
	st.AssertExpectations(t)
}

func TestDispatch_UnsupportedMethod(t *testing.T) {
	t.Parallel()

	for _, method := range []string{http.MethodGet, http.MethodDelete, "TRACE"} {
		ai := anthropicmocks.NewMockClient(t)
		st := &mockDeliveryStore{}
		st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

		d := testDispatcher(ai, &mockChat{}, st)
		ev, err := d.Dispatch(context.Background(),
			webhookCriterion(method, "https://example.com/hook"), testDoc())

		require.NoError(t, err)
		assert.Equal(t, model.StatusUnsupportedMethod, ev.StatusCode)
		assert.Zero(t, ev.Attempts)
		assert.False(t, ev.Succeeded())
		// No generation call, no generation spend.
		ai.AssertNotCalled(t, "CreateMessage")
		assert.Zero(t, ev.Cost)
	}
}

func TestDispatch_RetryExhaustedOn500(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`{"alert":"x"}`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	ev, err := d.Dispatch(context.Background(), webhookCriterion("POST", srv.URL), testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, ev.StatusCode)
	assert.Equal(t, 5, ev.Attempts)
	assert.False(t, ev.Succeeded())
	assert.Equal(t, int32(5), attempts.Load())
	// Generation cost is still on the event despite the failed delivery.
	assert.Greater(t, ev.Cost, 0.0)
}

func TestDispatch_4xxIsTerminalNoRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`{"alert":"x"}`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	ev, err := d.Dispatch(context.Background(), webhookCriterion("PUT", srv.URL), testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, ev.StatusCode)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDispatch_ConnectionRefusedSentinel(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`{"alert":"x"}`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	ev, err := d.Dispatch(context.Background(),
		webhookCriterion("POST", "http://127.0.0.1:1/hook"), testDoc())

	require.NoError(t, err)
	assert.Equal(t, model.StatusConnectionFailed, ev.StatusCode)
	assert.Equal(t, 5, ev.Attempts)
}

func TestDispatch_TimeoutSentinel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`{"alert":"x"}`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	d.http.Timeout = 50 * time.Millisecond
	d.retry.MaxAttempts = 2

	ev, err := d.Dispatch(context.Background(), webhookCriterion("POST", srv.URL), testDoc())

	require.NoError(t, err)
	assert.Equal(t, model.StatusDeliveryTimeout, ev.StatusCode)
	assert.Equal(t, 2, ev.Attempts)
}

func TestDispatch_GenerationFailure(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse(`this is not json at all`), nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	d := testDispatcher(ai, &mockChat{}, st)
	ev, err := d.Dispatch(context.Background(),
		webhookCriterion("POST", "https://example.com/hook"), testDoc())

	require.NoError(t, err)
	assert.Equal(t, model.StatusTransportError, ev.StatusCode)
	assert.Zero(t, ev.Attempts)
}

func TestDispatch_ChatSuccess(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse("Your website is down in us-east."), nil)
	ch := &mockChat{}
	ch.On("SendMessage", mock.Anything, "user-42", mock.MatchedBy(func(text string) bool {
		// Rendered text plus the attribution suffix naming the criterion.
		return strings.Contains(text, "Your website is down in us-east.") &&
			strings.Contains(text, `"tell me if my website goes down"`)
	})).Return(http.StatusOK, nil)
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	crit := &model.Criterion{
		ID:     "crit-1",
		Prompt: "tell me if my website goes down",
		Target: model.DeliveryTarget{Kind: model.DeliverChat, Recipient: "user-42"},
	}

	d := testDispatcher(ai, ch, st)
	ev, err := d.Dispatch(context.Background(), crit, testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.Equal(t, 1, ev.Attempts)
	assert.True(t, ev.Succeeded())
	// The delivered text is recorded on the event as a JSON string.
	var delivered string
	require.NoError(t, json.Unmarshal(ev.Payload, &delivered))
	assert.Contains(t, delivered, "Your website is down in us-east.")
	assert.Contains(t, delivered, `"tell me if my website goes down"`)
	ch.AssertExpectations(t)
}

func TestDispatch_ChatTransportFailureRetries(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse("alert text"), nil)
	ch := &mockChat{}
	ch.On("SendMessage", mock.Anything, "user-42", mock.Anything).
		Return(http.StatusBadGateway, eris.New("chat: service error")).Times(2)
	ch.On("SendMessage", mock.Anything, "user-42", mock.Anything).
		Return(http.StatusOK, nil).Once()
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	crit := &model.Criterion{
		ID:     "crit-1",
		Prompt: "p",
		Target: model.DeliveryTarget{Kind: model.DeliverChat, Recipient: "user-42"},
	}

	d := testDispatcher(ai, ch, st)
	ev, err := d.Dispatch(context.Background(), crit, testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.Equal(t, 3, ev.Attempts)
}

func TestDispatch_ChatUnknownRecipientTerminal(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse("alert text"), nil)
	ch := &mockChat{}
	ch.On("SendMessage", mock.Anything, "nobody", mock.Anything).
		Return(http.StatusNotFound, eris.New("chat: unknown recipient")).Once()
	st := &mockDeliveryStore{}
	st.On("InsertDelivery", mock.Anything, mock.Anything).Return(nil)

	crit := &model.Criterion{
		ID:     "crit-1",
		Prompt: "p",
		Target: model.DeliveryTarget{Kind: model.DeliverChat, Recipient: "nobody"},
	}

	d := testDispatcher(ai, ch, st)
	ev, err := d.Dispatch(context.Background(), crit, testDoc())

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, ev.StatusCode)
	assert.Equal(t, 1, ev.Attempts)
	ch.AssertExpectations(t)
}

func TestRenderText_AttributionSuffix(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse("Something happened."), nil)

	g := testGenerator(ai)
	crit := &model.Criterion{Prompt: "watch for outages"}

	r, err := g.RenderText(context.Background(), crit, testDoc())
	require.NoError(t, err)
	assert.Contains(t, r.Text, "Something happened.")
	assert.Contains(t, r.Text, `"watch for outages"`)
}

func TestRenderPayload_FencedJSON(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(payloadResponse("```json\n{\"ok\":true}\n```"), nil)

	g := testGenerator(ai)
	r, err := g.RenderPayload(context.Background(),
		webhookCriterion("POST", "https://example.com"), testDoc())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(r.Payload))
}

func TestRenderPayload_SchemaIncludedInPrompt(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 &&
			strings.Contains(req.Messages[0].Content, `"severity"`)
	})).Return(payloadResponse(`{"severity":"high"}`), nil)

	g := testGenerator(ai)
	crit := webhookCriterion("POST", "https://example.com")
	crit.Target.Schema = json.RawMessage(`{"properties":{"severity":{}}}`)

	_, err := g.RenderPayload(context.Background(), crit, testDoc())
	require.NoError(t, err)
	ai.AssertExpectations(t)
}

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.StatusDeliveryTimeout, classifyTransportError(context.DeadlineExceeded))
	assert.Equal(t, model.StatusConnectionFailed, classifyTransportError(syscall.ECONNREFUSED))
	assert.Equal(t, model.StatusTransportError, classifyTransportError(eris.New("broken pipe")))
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com:8443", hostKey("https://example.com:8443/hook"))
	assert.Equal(t, "example.com", hostKey("https://example.com/a/b"))
	assert.Equal(t, "not a url", hostKey("not a url"))
}
