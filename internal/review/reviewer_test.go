package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"firmforge/internal/diagnostics"
	"firmforge/internal/llm"
)

// stubClient returns canned completions.
type stubClient struct {
	llm.Unavailable
	response string
	err      error
	lastUser string
}

func (s *stubClient) IsAvailable() bool { return true }

func (s *stubClient) CompleteWithSystem(_ context.Context, _, user string) (string, error) {
	s.lastUser = user
	return s.response, s.err
}

func TestLLMReviewerPassesAnnotatedSource(t *testing.T) {
	stub := &stubClient{response: "  Undefined identifier: declare P1_0 via <8051.h>.  "}
	r := NewLLMReviewer(stub, zap.NewNop())

	annotated := Annotate("void main(void) { P1_0 = 1; }", []diagnostics.Diagnostic{
		{File: "main.c", Line: "1", Severity: diagnostics.SeverityError, Message: "Undefined identifier 'P1_0'"},
	})
	review, err := r.Review(context.Background(), annotated)
	require.NoError(t, err)

	assert.Equal(t, "Undefined identifier: declare P1_0 via <8051.h>.", review)
	assert.Contains(t, stub.lastUser, "Undefined identifier 'P1_0'")
	assert.Contains(t, stub.lastUser, "void main(void)")
}

func TestLLMReviewerPropagatesFailure(t *testing.T) {
	stub := &stubClient{err: errors.New("quota exceeded")}
	r := NewLLMReviewer(stub, zap.NewNop())

	_, err := r.Review(context.Background(), "whatever")
	assert.Error(t, err)
}

func TestLLMReviewerUnavailableClient(t *testing.T) {
	r := NewLLMReviewer(llm.Unavailable{}, zap.NewNop())
	_, err := r.Review(context.Background(), "whatever")
	require.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestFallbackSummary(t *testing.T) {
	diags := []diagnostics.Diagnostic{
		{File: "main.c", Line: "53", Severity: diagnostics.SeverityError, Message: "Undefined identifier 'P1_0'"},
		{File: "main.c", Line: "60", Severity: diagnostics.SeverityWarning, Message: "unreferenced function argument"},
		{File: "main.c", Line: "71", Severity: diagnostics.SeverityError, Message: "missing semicolon"},
	}

	summary := FallbackSummary(diags)
	assert.Contains(t, summary, "2 error(s) and 1 warning(s)")
	assert.Contains(t, summary, "line 53: Undefined identifier 'P1_0'")
	assert.Contains(t, summary, "line 71: missing semicolon")
	assert.NotContains(t, summary, "unreferenced function argument")
}

func TestFallbackSummaryNoErrors(t *testing.T) {
	summary := FallbackSummary(nil)
	assert.Contains(t, summary, "0 error(s) and 0 warning(s)")
	assert.NotContains(t, summary, "Errors to fix")
}
