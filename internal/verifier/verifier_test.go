package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-hq/watchtower/internal/config"
	"github.com/watchtower-hq/watchtower/internal/cost"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/pkg/anthropic"
	anthropicmocks "github.com/watchtower-hq/watchtower/pkg/anthropic/mocks"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertVerification(ctx context.Context, rec *model.VerificationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func testVerifier(ai anthropic.Client, st Store) *Verifier {
	calc := cost.NewCalculator(map[string]config.ModelPricing{
		"claude-haiku-4-5-20251001": {Input: 0.80, Output: 4.00},
	})
	return New(ai, st, cost.HeuristicCounter{}, calc, config.AnthropicConfig{
		JudgeModel: "claude-haiku-4-5-20251001",
		MaxTokens:  1024,
	})
}

func judgeResponse(text string, in, out int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func TestVerify_Approved(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" && len(req.Messages) == 1
	})).Return(judgeResponse(
		`{"approval": true, "chance_score": 0.93, "reason": "document describes the watched outage", "keywords": ["outage"]}`,
		500, 40), nil)
	st.On("InsertVerification", mock.Anything, mock.Anything).Return(nil)

	crit := &model.Criterion{ID: "crit-1", Prompt: "alert me about outages"}
	doc := &model.Document{ID: "doc-1", Content: "outage in us-east"}

	rec, err := v.Verify(context.Background(), crit, doc)
	require.NoError(t, err)
	assert.True(t, rec.Approved)
	assert.InDelta(t, 0.93, rec.ChanceScore, 1e-9)
	assert.Equal(t, []string{"outage"}, rec.Keywords)
	assert.Equal(t, 500, rec.InputTokens)
	assert.Equal(t, 40, rec.OutputTokens)
	// 500 in at $0.80/M + 40 out at $4.00/M.
	assert.InDelta(t, 500*0.80/1e6+40*4.00/1e6, rec.Cost, 1e-12)
	assert.True(t, rec.Confirmed(0.85))
	st.AssertExpectations(t)
}

func TestVerify_RejectedStillPersisted(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		`{"approval": false, "chance_score": 0.2, "reason": "unrelated topic", "keywords": []}`,
		300, 20), nil)
	st.On("InsertVerification", mock.Anything, mock.MatchedBy(func(rec *model.VerificationRecord) bool {
		return !rec.Approved
	})).Return(nil)

	rec, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.NoError(t, err)
	assert.False(t, rec.Confirmed(0.85))
	st.AssertExpectations(t)
}

func TestVerify_ApprovedBelowThresholdNotConfirmed(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		`{"approval": true, "chance_score": 0.7, "reason": "plausible", "keywords": []}`,
		100, 10), nil)
	st.On("InsertVerification", mock.Anything, mock.Anything).Return(nil)

	rec, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.NoError(t, err)
	assert.True(t, rec.Approved)
	assert.False(t, rec.Confirmed(0.85))
}

func TestVerify_MarkdownFencedJudgment(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		"```json\n{\"approval\": true, \"chance_score\": 0.9, \"reason\": \"ok\", \"keywords\": [\"x\"]}\n```",
		100, 10), nil)
	st.On("InsertVerification", mock.Anything, mock.Anything).Return(nil)

	rec, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.NoError(t, err)
	assert.True(t, rec.Approved)
}

func TestVerify_UnparseableJudgmentFailsPair(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		"I cannot evaluate this.", 100, 10), nil)

	_, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse judgment")
	st.AssertNotCalled(t, "InsertVerification")
}

func TestVerify_ProviderErrorFailsPair(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("overloaded"))

	_, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge call")
}

func TestVerify_UsesCriterionModel(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929"
	})).Return(judgeResponse(
		`{"approval": true, "chance_score": 0.9, "reason": "ok", "keywords": []}`,
		100, 10), nil)
	st.On("InsertVerification", mock.Anything, mock.Anything).Return(nil)

	_, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "p", Model: "claude-sonnet-4-5-20250929"},
		&model.Document{ID: "doc-1", Content: "c"})
	require.NoError(t, err)
	ai.AssertExpectations(t)
}

func TestVerify_TokenMeterFallback(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	// Provider reports no usage; the local meter fills in.
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		`{"approval": true, "chance_score": 0.9, "reason": "ok", "keywords": []}`,
		0, 0), nil)
	st.On("InsertVerification", mock.Anything, mock.Anything).Return(nil)

	rec, err := v.Verify(context.Background(),
		&model.Criterion{ID: "crit-1", Prompt: "watch for outages"},
		&model.Document{ID: "doc-1", Content: "a fairly long document body"})
	require.NoError(t, err)
	assert.Greater(t, rec.InputTokens, 0)
	assert.Greater(t, rec.OutputTokens, 0)
}

func TestValidateCriterion(t *testing.T) {
	t.Parallel()

	ai := anthropicmocks.NewMockClient(t)
	st := &mockStore{}
	v := testVerifier(ai, st)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(judgeResponse(
		`{"approval": true, "chance_score": 0.95, "reason": "concrete condition", "keywords": ["outage", "us-east"]}`,
		200, 30), nil)

	j, err := v.ValidateCriterion(context.Background(), "alert me when us-east has an outage", "")
	require.NoError(t, err)
	assert.True(t, j.Approval)
	assert.Equal(t, []string{"outage", "us-east"}, j.Keywords)
	// Creation gating is the caller's job; 0.95 clears the stricter 0.90.
	assert.GreaterOrEqual(t, j.ChanceScore, 0.90)
}

func TestParseJudgment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain object", `{"approval": true, "chance_score": 0.9, "reason": "r", "keywords": []}`, false},
		{"fenced", "```json\n{\"approval\": false, \"chance_score\": 0.1, \"reason\": \"r\", \"keywords\": []}\n```", false},
		{"surrounding prose", `Here is my verdict: {"approval": true, "chance_score": 0.9, "reason": "r", "keywords": []} hope that helps`, false},
		{"not json", "no object here", true},
		{"score out of range", `{"approval": true, "chance_score": 1.5, "reason": "r", "keywords": []}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJudgment(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
