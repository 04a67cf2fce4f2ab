package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"firmforge/internal/assembler"
	"firmforge/internal/blocks"
	"firmforge/internal/config"
	"firmforge/internal/design"
	"firmforge/internal/llm"
	"firmforge/internal/toolchain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// opencensus starts a background worker at package init via a
		// transitive dependency; it is not leaked by the code under test.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// patchClient is an AI collaborator whose assembler-facing methods fail
// (forcing the rule-based assembly path) and whose patch completions come
// from a canned queue.
type patchClient struct {
	patches []string
	calls   int
}

func (p *patchClient) IsAvailable() bool { return true }

func (p *patchClient) Complete(context.Context, string) (string, error) {
	return "", errors.New("not used in tests")
}

func (p *patchClient) CompleteWithSystem(_ context.Context, _, _ string) (string, error) {
	if p.calls >= len(p.patches) {
		return "", errors.New("patch queue exhausted")
	}
	patch := p.patches[p.calls]
	p.calls++
	return patch, nil
}

func (p *patchClient) GenerateAssemblyPlan(context.Context, *llm.CodeRequest) (*llm.AssemblyPlan, error) {
	return nil, errors.New("planning disabled in tests")
}

func (p *patchClient) GenerateCode(context.Context, *llm.CodeRequest) (string, error) {
	return "", errors.New("codegen disabled in tests")
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0755))
	return path
}

// conditionalCompiler fails unless the source contains the FIXED marker,
// so a run succeeds exactly when a patch introduced it.
func conditionalCompiler(t *testing.T, dir string) string {
	return writeScript(t, dir, "sdcc", `
SRC="${!#}"
if grep -q "FIXED" "$SRC"; then
    BASE=$(basename "$SRC" .c)
    echo ":00000001FF" > "$BASE.ihx"
    exit 0
fi
echo "main.c:5: error 1: Undefined identifier 'LED_PIN'" >&2
exit 1
`)
}

func alwaysOKCompiler(t *testing.T, dir string) string {
	return writeScript(t, dir, "sdcc", `
SRC="${!#}"
BASE=$(basename "$SRC" .c)
echo ":00000001FF" > "$BASE.ihx"
exit 0
`)
}

const goodPatch = "#include <8051.h>\n/* FIXED */\nvoid main(void) { while (1); }\n"

func testLoop(t *testing.T, compilerBody func(*testing.T, string) string, client llm.Client) (*Loop, string) {
	t.Helper()
	bin := t.TempDir()
	out := t.TempDir()

	cfg := config.Default()
	cfg.Toolchain.Compiler = compilerBody(t, bin)
	cfg.Toolchain.Converter = writeScript(t, bin, "packihx", `cat "$1"`)
	cfg.Toolchain.CompileTimeout = "5s"

	library := blocks.Load(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	asm := assembler.New(library, client, zap.NewNop())
	invoker := toolchain.New(cfg, out, "firmware", zap.NewNop())

	return New(asm, invoker, client, nil, 3, out, zap.NewNop()), out
}

func testDesign() *design.Design {
	return &design.Design{
		Components:    []design.Component{{Type: "LED", ID: "D1", ConnectedTo: "P1.0"}},
		Functionality: design.Functionality{"main_task": "led_control"},
	}
}

func TestRunSucceedsWithoutRepair(t *testing.T) {
	loop, _ := testLoop(t, alwaysOKCompiler, llm.Unavailable{})

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageSuccess, outcome.Stage)
	assert.True(t, outcome.Succeeded())
	assert.Zero(t, outcome.AttemptsUsed)
	assert.Empty(t, outcome.Attempts)
	assert.NotEmpty(t, outcome.HexPath)
}

func TestRunGivesUpImmediatelyWithoutAI(t *testing.T) {
	loop, out := testLoop(t, conditionalCompiler, llm.Unavailable{})

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageGivenUp, outcome.Stage)
	assert.Zero(t, outcome.AttemptsUsed, "no repair attempts without a collaborator")
	require.NotEmpty(t, outcome.LastDiagnostics)
	assert.Equal(t, "Undefined identifier 'LED_PIN'", outcome.LastDiagnostics[0].Message)

	// No patch artifacts appear.
	_, statErr := os.Stat(filepath.Join(out, "fixed_firmware_1.c"))
	assert.Error(t, statErr)
}

func TestRunRepairsOnFirstAttempt(t *testing.T) {
	client := &patchClient{patches: []string{"```c\n" + goodPatch + "```"}}
	loop, out := testLoop(t, conditionalCompiler, client)

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageSuccess, outcome.Stage)
	assert.Equal(t, 1, outcome.AttemptsUsed)
	require.Len(t, outcome.Attempts, 1)

	attempt := outcome.Attempts[0]
	assert.Equal(t, 1, attempt.Number)
	assert.NotEmpty(t, attempt.Review)
	require.NotEmpty(t, attempt.Diagnostics)
	assert.Equal(t, "5", attempt.Diagnostics[0].Line)
	require.NotNil(t, attempt.Compile)
	assert.True(t, attempt.Compile.Success)

	// The artifact comes from the patched compile.
	assert.Equal(t, outcome.HexPath, attempt.Compile.HexPath)

	// The patch is persisted, fences stripped by the invoker's normalize.
	fixed, err := os.ReadFile(filepath.Join(out, "fixed_firmware_1.c"))
	require.NoError(t, err)
	assert.Contains(t, string(fixed), "FIXED")
}

func TestRunRespectsAttemptBound(t *testing.T) {
	// Every patch is distinct and valid but never carries the FIXED marker,
	// so compilation keeps failing.
	client := &patchClient{patches: []string{
		"void main(void) { /* try 1 */ }\n",
		"void main(void) { /* try 2 */ }\n",
		"void main(void) { /* try 3 */ }\n",
		"void main(void) { /* try 4 */ }\n",
	}}
	loop, _ := testLoop(t, conditionalCompiler, client)

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageGivenUp, outcome.Stage)
	assert.Equal(t, 3, outcome.AttemptsUsed)
	assert.Len(t, outcome.Attempts, 3)
	assert.Equal(t, 3, client.calls, "exactly maxAttempts patch requests")
	assert.NotEmpty(t, outcome.LastDiagnostics)
}

func TestRunGivesUpOnPatchWithoutEntryPoint(t *testing.T) {
	client := &patchClient{patches: []string{"I am sorry, I cannot fix this code."}}
	loop, _ := testLoop(t, conditionalCompiler, client)

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageGivenUp, outcome.Stage)
	assert.Zero(t, outcome.AttemptsUsed, "invalid patch spends no recompile")
	assert.Empty(t, outcome.Attempts)
}

func TestRunGivesUpOnIdenticalPatch(t *testing.T) {
	// Echo back the failing source: the loop must refuse to recompile it.
	bin := t.TempDir()
	out := t.TempDir()

	cfg := config.Default()
	cfg.Toolchain.Compiler = conditionalCompiler(t, bin)
	cfg.Toolchain.Converter = writeScript(t, bin, "packihx", `cat "$1"`)
	cfg.Toolchain.CompileTimeout = "5s"

	library := blocks.Load(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	echo := &echoClient{}
	asm := assembler.New(library, echo, zap.NewNop())
	invoker := toolchain.New(cfg, out, "firmware", zap.NewNop())
	loop := New(asm, invoker, echo, nil, 3, out, zap.NewNop())

	outcome, err := loop.Run(context.Background(), testDesign())
	require.NoError(t, err)

	assert.Equal(t, StageGivenUp, outcome.Stage)
	assert.Zero(t, outcome.AttemptsUsed)
}

// echoClient feeds a fixed broken program through assembly and then
// returns that same program as its "patch".
type echoClient struct{}

const brokenSource = "#include <8051.h>\nvoid main(void) { LED_PIN = 1; }\n"

func (echoClient) IsAvailable() bool { return true }

func (echoClient) Complete(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (echoClient) CompleteWithSystem(context.Context, string, string) (string, error) {
	return brokenSource, nil
}

func (echoClient) GenerateAssemblyPlan(context.Context, *llm.CodeRequest) (*llm.AssemblyPlan, error) {
	return nil, nil
}

func (echoClient) GenerateCode(context.Context, *llm.CodeRequest) (string, error) {
	return brokenSource, nil
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "assembling", StageAssembling.String())
	assert.Equal(t, "success", StageSuccess.String())
	assert.Equal(t, "given up", StageGivenUp.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}
