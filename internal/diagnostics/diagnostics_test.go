package diagnostics

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleError(t *testing.T) {
	raw := "main.c:53: error 1: Undefined identifier 'P1_0'\n"

	got := Parse(raw)
	want := []Diagnostic{{
		File:     "main.c",
		Line:     "53",
		Severity: SeverityError,
		Message:  "Undefined identifier 'P1_0'",
	}}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePreservesStreamOrder(t *testing.T) {
	raw := strings.Join([]string{
		"main.c:10: warning 117: Old style declaration",
		"some unrelated linker chatter",
		"main.c:53: error 1: Undefined identifier 'P1_0'",
		"main.c:53: error 1: Undefined identifier 'P1_0'",
	}, "\n")

	got := Parse(raw)
	require.Len(t, got, 3, "duplicates must be kept, non-matching lines skipped")
	assert.Equal(t, SeverityWarning, got[0].Severity)
	assert.Equal(t, "10", got[0].Line)
	assert.Equal(t, got[1], got[2], "identical diagnostics are not deduplicated")
}

func TestParseSeverityCodeOptional(t *testing.T) {
	raw := "boot.c:7: error: something without a numeric code"

	got := Parse(raw)
	require.Len(t, got, 1)
	assert.Equal(t, "something without a numeric code", got[0].Message)
}

func TestParseFallbackRecord(t *testing.T) {
	raw := "ld: cannot open linker script\nsome other line"

	got := Parse(raw)
	require.Len(t, got, 1)
	d := got[0]
	assert.Equal(t, "unknown", d.File)
	assert.Equal(t, "unknown", d.Line)
	assert.Equal(t, SeverityError, d.Severity)
	assert.Contains(t, d.Message, "cannot open linker script")
	assert.NotContains(t, d.Message, "(more lines)")
}

func TestParseFallbackTruncates(t *testing.T) {
	raw := "l1\nl2\nl3\nl4\nl5\nl6\nl7"

	got := Parse(raw)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, "l5")
	assert.NotContains(t, got[0].Message, "l6")
	assert.Contains(t, got[0].Message, "... (more lines)")
}

func TestParseBlankStream(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("   \n\t\n"))
}

func TestFormat(t *testing.T) {
	diags := []Diagnostic{
		{File: "main.c", Line: "53", Severity: SeverityError, Message: "Undefined identifier 'P1_0'"},
		{File: "main.c", Line: "60", Severity: SeverityWarning, Message: "Old style declaration"},
	}

	out := Format(diags)
	assert.Equal(t, "- error (main.c:53): Undefined identifier 'P1_0'\n- warning (main.c:60): Old style declaration", out)

	assert.Equal(t, "no diagnostics", Format(nil))
}

func TestErrors(t *testing.T) {
	diags := []Diagnostic{
		{Severity: SeverityWarning, Message: "w"},
		{Severity: SeverityError, Message: "e1"},
		{Severity: SeverityError, Message: "e2"},
	}

	errs := Errors(diags)
	require.Len(t, errs, 2)
	assert.Equal(t, "e1", errs[0].Message)
	assert.Equal(t, "e2", errs[1].Message)
}
