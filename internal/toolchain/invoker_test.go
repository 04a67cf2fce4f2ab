package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"firmforge/internal/config"
)

// writeScript drops an executable fake toolchain binary into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0755))
	return path
}

// fakeCompiler emits a minimal IHX next to itself (the work dir) named
// after the source file, mimicking SDCC's behavior.
func fakeCompiler(t *testing.T, dir string) string {
	return writeScript(t, dir, "sdcc", `
SRC="${!#}"
BASE=$(basename "$SRC" .c)
echo ":00000001FF" > "$BASE.ihx"
exit 0
`)
}

// fakeConverter copies the IHX to stdout, mimicking packihx.
func fakeConverter(t *testing.T, dir string) string {
	return writeScript(t, dir, "packihx", `cat "$1"`)
}

func testConfig(t *testing.T, compiler, converter string) *config.Config {
	cfg := config.Default()
	cfg.Toolchain.Compiler = compiler
	cfg.Toolchain.Converter = converter
	cfg.Toolchain.CompileTimeout = "5s"
	return cfg
}

func TestNextVersionedNeverCollides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firmware_001.c"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firmware_002.c"), nil, 0644))

	first, err := NextVersioned(dir, "firmware", "c")
	require.NoError(t, err)
	assert.Equal(t, "firmware_003.c", filepath.Base(first))

	second, err := NextVersioned(dir, "firmware", "c")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "firmware_004.c", filepath.Base(second))

	// Other prefixes and extensions are independent sequences.
	hex, err := NextVersioned(dir, "firmware", "hex")
	require.NoError(t, err)
	assert.Equal(t, "firmware_001.hex", filepath.Base(hex))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips code fences",
			in:   "```c\nvoid main(void) {}\n```",
			want: "void main(void) {}\n",
		},
		{
			name: "normalizes line endings and trailing space",
			in:   "#include <8051.h>\r\nvoid main(void) {}  \r\n",
			want: "#include <8051.h>\nvoid main(void) {}\n",
		},
		{
			name: "ensures trailing newline",
			in:   "void main(void) {}",
			want: "void main(void) {}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestCompileSuccess(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	cfg := testConfig(t, fakeCompiler(t, bin), fakeConverter(t, bin))

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "```c\nvoid main(void) {}\n```")
	require.NoError(t, err)
	require.True(t, res.Success, "summary: %s stderr: %s", res.ErrorSummary, res.Stderr)

	assert.Equal(t, "firmware_001.c", filepath.Base(res.SourcePath))
	assert.Equal(t, "firmware_001.hex", filepath.Base(res.HexPath))
	assert.Equal(t, LatestHexName, filepath.Base(res.LatestHexPath))

	src, err := os.ReadFile(res.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "void main(void) {}\n", string(src), "persisted source must be normalized")

	hex, err := os.ReadFile(res.HexPath)
	require.NoError(t, err)
	assert.Contains(t, string(hex), ":00000001FF")

	latest, err := os.ReadFile(res.LatestHexPath)
	require.NoError(t, err)
	assert.Equal(t, hex, latest)
}

func TestCompileVersionsAccumulate(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	cfg := testConfig(t, fakeCompiler(t, bin), fakeConverter(t, bin))
	iv := New(cfg, out, "temp_monitor", zap.NewNop())

	first, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	second, err := iv.Compile(context.Background(), "void main(void) { P1 = 0; }")
	require.NoError(t, err)

	assert.Equal(t, "temp_monitor_001.c", filepath.Base(first.SourcePath))
	assert.Equal(t, "temp_monitor_002.c", filepath.Base(second.SourcePath))
	assert.NotEqual(t, first.HexPath, second.HexPath)

	// Both versioned artifacts survive; only the latest pointer moved.
	_, err = os.Stat(first.HexPath)
	assert.NoError(t, err)
	_, err = os.Stat(second.HexPath)
	assert.NoError(t, err)
}

func TestCompileFailureSummarizesStderr(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	var lines []string
	for i := 1; i <= 14; i++ {
		lines = append(lines, fmt.Sprintf("echo \"main.c:%d: error 1: broken thing %d\" >&2", i, i))
	}
	compiler := writeScript(t, bin, "sdcc", strings.Join(lines, "\n")+"\nexit 1\n")
	cfg := testConfig(t, compiler, fakeConverter(t, bin))

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Contains(t, res.ErrorSummary, "main.c:1:")
	assert.Contains(t, res.ErrorSummary, "main.c:10:")
	assert.NotContains(t, res.ErrorSummary, "main.c:11:")
	assert.Contains(t, res.ErrorSummary, "... and 4 more errors/warnings")
	// Full stderr is retained for the diagnostic parser.
	assert.Contains(t, res.Stderr, "main.c:14:")
}

func TestCompileTimeoutIsAFailureNotACrash(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	compiler := writeScript(t, bin, "sdcc", "exec sleep 5\n")
	cfg := testConfig(t, compiler, fakeConverter(t, bin))
	cfg.Toolchain.CompileTimeout = "100ms"

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorSummary, "timed out")
}

func TestCompileMissingArtifactDowngrades(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	compiler := writeScript(t, bin, "sdcc", "exit 0\n")
	cfg := testConfig(t, compiler, fakeConverter(t, bin))

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorSummary, "no IHX/HEX artifact")
}

func TestConversionFailureDowngrades(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	converter := writeScript(t, bin, "packihx", "echo \"packihx: bad record\" >&2\nexit 1\n")
	cfg := testConfig(t, fakeCompiler(t, bin), converter)

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorSummary, "convert IHX to HEX")
	assert.Contains(t, res.ErrorSummary, "bad record")
	// No latest artifact appears for a failed conversion.
	_, statErr := os.Stat(filepath.Join(out, LatestHexName))
	assert.Error(t, statErr)
}

func TestArtifactDirectoryScanFallback(t *testing.T) {
	bin := t.TempDir()
	out := t.TempDir()
	// Compiler writes an IHX under an unexpected name.
	compiler := writeScript(t, bin, "sdcc", "echo \":00000001FF\" > other_name.ihx\nexit 0\n")
	cfg := testConfig(t, compiler, fakeConverter(t, bin))

	iv := New(cfg, out, "firmware", zap.NewNop())
	res, err := iv.Compile(context.Background(), "void main(void) {}")
	require.NoError(t, err)
	assert.True(t, res.Success, "summary: %s", res.ErrorSummary)
}

func TestCheckAvailable(t *testing.T) {
	bin := t.TempDir()
	cfg := testConfig(t, filepath.Join(bin, "definitely-not-sdcc"), "packihx")
	iv := New(cfg, t.TempDir(), "firmware", zap.NewNop())

	err := iv.CheckAvailable(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)

	ok := writeScript(t, bin, "sdcc", "echo \"SDCC : mcs51 4.2.0\"\n")
	cfg.Toolchain.Compiler = ok
	iv = New(cfg, t.TempDir(), "firmware", zap.NewNop())
	assert.NoError(t, iv.CheckAvailable(context.Background()))
}
