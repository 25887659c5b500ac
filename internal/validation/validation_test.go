package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

type fakeReviewer struct {
	verdict Verdict
	err     error
	got     []Request
}

func (f *fakeReviewer) Review(_ context.Context, req Request) (Verdict, error) {
	f.got = append(f.got, req)
	return f.verdict, f.err
}

const sampleDiff = `diff --git a/retry.go b/retry.go
+func Retry(n int) error { return nil }
`

func TestGate_ReviewerSeesOnlyCriteriaAndDiff(t *testing.T) {
	rev := &fakeReviewer{verdict: Approve()}
	m := metrics.New()
	g := NewGate(rev, WithMetrics(m))

	unit := tracker.Unit{
		ID:                 "bd-1",
		Title:              "Add retry",
		Description:        "worker notes that must not leak",
		AcceptanceCriteria: "Retry returns nil",
	}
	v, err := g.Review(context.Background(), unit, sampleDiff)
	require.NoError(t, err)
	assert.True(t, v.Approved)

	require.Len(t, rev.got, 1)
	assert.Equal(t, Request{AcceptanceCriteria: "Retry returns nil", Diff: sampleDiff}, rev.got[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReviewsTotal.WithLabelValues("approved")))
}

func TestGate_CriteriaFallBackToTitle(t *testing.T) {
	rev := &fakeReviewer{verdict: Reject("missing test")}
	v, err := NewGate(rev).Review(context.Background(), tracker.Unit{ID: "bd-2", Title: "Add retry"}, sampleDiff)
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Equal(t, "missing test", v.Feedback)
	assert.Equal(t, "Add retry", rev.got[0].AcceptanceCriteria)
}

func TestGate_EmptyDiffRejectedLocally(t *testing.T) {
	rev := &fakeReviewer{verdict: Approve()}
	m := metrics.New()
	v, err := NewGate(rev, WithMetrics(m)).Review(context.Background(), tracker.Unit{ID: "bd-3"}, "  \n")
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.NotEmpty(t, v.Feedback)
	assert.Empty(t, rev.got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReviewsTotal.WithLabelValues("rejected")))
}

func TestGate_ReviewerError(t *testing.T) {
	rev := &fakeReviewer{err: errors.New("boom")}
	_, err := NewGate(rev).Review(context.Background(), tracker.Unit{ID: "bd-4"}, sampleDiff)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReviewerUnavailable)
}

func TestGate_NoReviewerConfigured(t *testing.T) {
	_, err := NewGate(nil).Review(context.Background(), tracker.Unit{ID: "bd-5"}, sampleDiff)
	assert.ErrorIs(t, err, ErrReviewerUnavailable)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		approved bool
		feedback string
	}{
		{"approved", "APPROVED", true, ""},
		{"approved lowercase with padding", "\n  approved  \n", true, ""},
		{"rejected inline", "REJECTED: no tests", false, "no tests"},
		{"rejected multiline", "REJECTED: no tests\n- add TestRetry\n", false, "no tests\n- add TestRetry"},
		{"rejected bare", "REJECTED", false, "rejected without feedback"},
		{"empty", "", false, "reviewer returned an empty reply"},
		{"malformed", "Looks good to me!", false, "reviewer returned a malformed verdict: Looks good to me!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.reply)
			assert.Equal(t, tt.approved, v.Approved)
			assert.Equal(t, tt.feedback, v.Feedback)
		})
	}
}

type fakeMessages struct {
	reply  string
	err    error
	params sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

func TestAnthropicReviewer(t *testing.T) {
	msgs := &fakeMessages{reply: "REJECTED: criteria 2 not met"}
	r, err := NewAnthropicReviewer(msgs, "claude-sonnet-4-5", 512)
	require.NoError(t, err)

	v, err := r.Review(context.Background(), Request{AcceptanceCriteria: "1. a\n2. b", Diff: sampleDiff})
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.Equal(t, "criteria 2 not met", v.Feedback)

	assert.Equal(t, int64(512), msgs.params.MaxTokens)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), msgs.params.Model)
	require.Len(t, msgs.params.System, 1)
	require.Len(t, msgs.params.Messages, 1)
}

func TestAnthropicReviewer_Errors(t *testing.T) {
	_, err := NewAnthropicReviewer(nil, "m", 1)
	assert.Error(t, err)
	_, err = NewAnthropicReviewer(&fakeMessages{}, "", 1)
	assert.Error(t, err)

	r, err := NewAnthropicReviewer(&fakeMessages{err: errors.New("429")}, "m", 0)
	require.NoError(t, err)
	_, err = r.Review(context.Background(), Request{Diff: sampleDiff})
	assert.ErrorContains(t, err, "429")
}

func TestFormatRequest(t *testing.T) {
	out := formatRequest(Request{AcceptanceCriteria: " works \n", Diff: "+x"})
	assert.Equal(t, "## Acceptance criteria\n\nworks\n\n## Diff\n\n```diff\n+x\n```\n", out)
}

func TestCommandReviewer(t *testing.T) {
	r, err := NewCommandReviewer([]string{"review-bot", "--strict"}, "/repo", 0)
	require.NoError(t, err)

	var gotName string
	var gotArgs []string
	var gotReq Request
	r.run = func(_ context.Context, dir string, stdin *bytes.Reader, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		raw, _ := io.ReadAll(stdin)
		require.NoError(t, json.Unmarshal(raw, &gotReq))
		assert.Equal(t, "/repo", dir)
		return []byte("APPROVED\n"), nil
	}

	req := Request{AcceptanceCriteria: "works", Diff: sampleDiff}
	v, err := r.Review(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.Equal(t, "review-bot", gotName)
	assert.Equal(t, []string{"--strict"}, gotArgs)
	assert.Equal(t, req, gotReq)

	_, err = NewCommandReviewer(nil, "", 0)
	assert.Error(t, err)
}

func TestCommandReviewer_RealProcess(t *testing.T) {
	r, err := NewCommandReviewer([]string{"sh", "-c", "cat >/dev/null; echo 'REJECTED: nope'"}, t.TempDir(), 0)
	require.NoError(t, err)
	v, err := r.Review(context.Background(), Request{Diff: sampleDiff})
	require.NoError(t, err)
	assert.Equal(t, Reject("nope"), v)
}
