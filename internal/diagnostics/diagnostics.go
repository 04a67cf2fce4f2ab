// Package diagnostics turns raw compiler error/warning text into structured
// records the repair loop can act on. SDCC emits lines of the shape
//
//	main.c:53: error 1: Undefined identifier 'P1_0'
//
// which become one Diagnostic each, in stream order.
package diagnostics

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one structured compiler message. Line is a string because
// the synthesized fallback record carries "unknown" in both positions.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     string   `json:"line"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s (%s:%s): %s", d.Severity, d.File, d.Line, d.Message)
}

// lineRe matches "<file>:<line>: <severity>[ <code>]: <message>".
var lineRe = regexp.MustCompile(`(?m)^(.*?):(\d+):\s*(error|warning)\s*\d*:\s*(.*)$`)

// rawSummaryLines bounds the synthesized fallback message.
const rawSummaryLines = 5

// Parse converts a raw stderr stream into an ordered diagnostic sequence.
// Order follows the stream; duplicates are kept. When nothing matches but
// the stream is non-blank, exactly one fallback record is synthesized so
// the repair loop always has an actionable diagnostic. A blank stream
// yields an empty sequence.
func Parse(raw string) []Diagnostic {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var diags []Diagnostic
	for _, m := range lineRe.FindAllStringSubmatch(raw, -1) {
		diags = append(diags, Diagnostic{
			File:     strings.TrimSpace(m[1]),
			Line:     m[2],
			Severity: Severity(m[3]),
			Message:  strings.TrimSpace(m[4]),
		})
	}
	if len(diags) > 0 {
		return diags
	}

	return []Diagnostic{fallback(raw)}
}

// fallback builds the single synthetic record for unparseable output.
func fallback(raw string) Diagnostic {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	summary := lines
	truncated := false
	if len(lines) > rawSummaryLines {
		summary = lines[:rawSummaryLines]
		truncated = true
	}
	msg := "unparsed compiler output:\n" + strings.Join(summary, "\n")
	if truncated {
		msg += "\n... (more lines)"
	}
	return Diagnostic{
		File:     "unknown",
		Line:     "unknown",
		Severity: SeverityError,
		Message:  msg,
	}
}

// Format renders diagnostics as the plain-text header block used in review
// and patch prompts.
func Format(diags []Diagnostic) string {
	if len(diags) == 0 {
		return "no diagnostics"
	}
	var sb strings.Builder
	for _, d := range diags {
		fmt.Fprintf(&sb, "- %s (%s:%s): %s\n", d.Severity, d.File, d.Line, d.Message)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Errors filters the sequence down to error-severity records, preserving
// order.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}
