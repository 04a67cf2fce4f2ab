package llm

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "void main(void) {}",
			want: "void main(void) {}",
		},
		{
			name: "language-tagged fence",
			in:   "```c\n#include <8051.h>\nvoid main(void) {}\n```",
			want: "#include <8051.h>\nvoid main(void) {}",
		},
		{
			name: "bare fence with surrounding whitespace",
			in:   "\n```\nint x;\n```\n",
			want: "int x;",
		},
		{
			name: "inner backticks survive",
			in:   "```c\n// use `P1_0` here\n```",
			want: "// use `P1_0` here",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestParsePlan(t *testing.T) {
	plan := ParsePlan("```json\n{\"blocks_to_use\": [\"drivers/lm35\", \"main/main_loop_temp_fan\"], \"strategy\": \"combine sensor driver with temp/fan loop\"}\n```")
	require.NotNil(t, plan)

	want := &AssemblyPlan{
		BlocksToUse: []string{"drivers/lm35", "main/main_loop_temp_fan"},
		Strategy:    "combine sensor driver with temp/fan loop",
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePlanCutsToBraces(t *testing.T) {
	plan := ParsePlan("Sure! Here is the plan:\n{\"blocks_to_use\": [\"base/base_frame\"]}\nHope that helps.")
	require.NotNil(t, plan)
	assert.Equal(t, []string{"base/base_frame"}, plan.BlocksToUse)
}

func TestParsePlanRejectsUnusable(t *testing.T) {
	assert.Nil(t, ParsePlan("I cannot produce a plan for this design."))
	assert.Nil(t, ParsePlan("{\"strategy\": \"no blocks named\"}"))
	assert.Nil(t, ParsePlan("{not json at all}"))
	assert.Nil(t, ParsePlan(""))
}

func TestUnavailableClient(t *testing.T) {
	var c Client = Unavailable{}
	assert.False(t, c.IsAvailable())

	_, err := c.Complete(context.Background(), "anything")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = c.GenerateCode(context.Background(), &CodeRequest{})
	require.ErrorIs(t, err, ErrUnavailable)

	plan, err := c.GenerateAssemblyPlan(context.Background(), &CodeRequest{})
	assert.Nil(t, plan)
	require.ErrorIs(t, err, ErrUnavailable)
}
