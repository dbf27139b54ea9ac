package compiler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/superdev/pkg/job"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return "/bin/sh"
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compile.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRequest(t *testing.T) Request {
	t.Helper()
	root := t.TempDir()
	req := Request{
		Module:    "app",
		Bindings:  map[string]string{"locale": "en"},
		WarDir:    filepath.Join(root, "war"),
		ExtrasDir: filepath.Join(root, "extras"),
		GenDir:    filepath.Join(root, "gen"),
		LogFile:   filepath.Join(root, "compile.log"),
	}
	for _, d := range []string{req.WarDir, req.ExtrasDir, req.GenDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return req
}

func TestNewExecCompiler_RequiresCommand(t *testing.T) {
	_, err := NewExecCompiler(ExecConfig{}, nil)
	assert.Error(t, err)
	_, err = NewExecCompiler(ExecConfig{Command: []string{" "}}, nil)
	assert.Error(t, err)
}

func TestExecCompiler_Success(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, `cat > "$SUPERDEV_WAR_DIR/request.yaml"
echo "progress: 1/2"
echo "compiling permutations"
echo "progress: 2/2"
mkdir -p "$SUPERDEV_WAR_DIR/$SUPERDEV_MODULE"
echo "ok" > "$SUPERDEV_WAR_DIR/$SUPERDEV_MODULE/app.nocache.js"
printf 'strategy: incremental\n' > "$SUPERDEV_REPORT"
`)

	c, err := NewExecCompiler(ExecConfig{Command: []string{sh, script}}, nil)
	require.NoError(t, err)

	req := newRequest(t)
	req.Stale = []string{"src/App.java"}
	logBuf := &lockedBuffer{}
	req.Log = logBuf

	var mu sync.Mutex
	var reports [][2]int
	out, err := c.Compile(context.Background(), req, func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, [2]int{done, total})
	})
	require.NoError(t, err)
	assert.Equal(t, job.StrategyIncremental, out.Strategy)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, reports)
	assert.Contains(t, logBuf.String(), "compiling permutations")
	assert.FileExists(t, filepath.Join(req.WarDir, "app", "app.nocache.js"))

	raw, err := os.ReadFile(filepath.Join(req.WarDir, "request.yaml"))
	require.NoError(t, err)
	var got execRequest
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, "app", got.Module)
	assert.Equal(t, "en", got.Bindings["locale"])
	assert.Equal(t, []string{"src/App.java"}, got.Stale)
	assert.False(t, got.AllStale)
}

func TestExecCompiler_MissingReportMeansFull(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, "cat > /dev/null\nexit 0\n")
	c, err := NewExecCompiler(ExecConfig{Command: []string{sh, script}}, nil)
	require.NoError(t, err)

	out, err := c.Compile(context.Background(), newRequest(t), nil)
	require.NoError(t, err)
	assert.Equal(t, job.StrategyFull, out.Strategy)
}

func TestExecCompiler_FailureCarriesDiagnostics(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, `cat > /dev/null
echo "App.java:3: unexpected token" >&2
printf 'diagnostics:\n  - syntax error\n' > "$SUPERDEV_REPORT"
exit 1
`)
	c, err := NewExecCompiler(ExecConfig{Command: []string{sh, script}}, nil)
	require.NoError(t, err)

	req := newRequest(t)
	logBuf := &lockedBuffer{}
	req.Log = logBuf

	out, err := c.Compile(context.Background(), req, nil)
	assert.Nil(t, out)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"syntax error"}, cerr.Diagnostics)
	assert.Equal(t, "app: syntax error", err.Error())
	assert.Contains(t, logBuf.String(), "unexpected token")
}

func TestExecCompiler_ContextCancel(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, "exec sleep 5\n")
	c, err := NewExecCompiler(ExecConfig{Command: []string{sh, script}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Compile(ctx, newRequest(t), nil)
	assert.Error(t, err)
}

func TestExecCompiler_ClearCaches(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(filepath.Join(cache, "units"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "units", "a.bin"), []byte("x"), 0o644))

	c, err := NewExecCompiler(ExecConfig{Command: []string{"true"}, CacheDir: cache}, nil)
	require.NoError(t, err)
	require.NoError(t, c.ClearCaches(context.Background()))

	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)

	noCache, err := NewExecCompiler(ExecConfig{Command: []string{"true"}}, nil)
	require.NoError(t, err)
	assert.NoError(t, noCache.ClearCaches(context.Background()))
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    job.Strategy
		wantErr bool
	}{
		{in: "full", want: job.StrategyFull},
		{in: " Incremental ", want: job.StrategyIncremental},
		{in: "skip", want: job.StrategySkipped},
		{in: "partial", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileError(t *testing.T) {
	base := errors.New("exit status 2")
	err := &CompileError{Module: "app", Err: base}
	assert.Equal(t, "app: exit status 2", err.Error())
	assert.ErrorIs(t, err, base)

	assert.Equal(t, "compile failed", (&CompileError{}).Error())
}

func TestFingerprint_ScanAndDiff(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "com", "example"), 0o755))
	a := filepath.Join(src, "com", "example", "App.java")
	b := filepath.Join(src, "com", "example", "Util.java")
	require.NoError(t, os.WriteFile(a, []byte("class App {}"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("class Util {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("docs"), 0o644))

	set := SourceSet{Roots: []string{src, filepath.Join(root, "missing")}, Include: []string{"**/*.java"}}

	first, err := Scan(set)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, []string{a, b}, first.Diff(nil))

	again, err := Scan(set)
	require.NoError(t, err)
	assert.Empty(t, again.Diff(first))
	assert.NotNil(t, again.Diff(first))

	require.NoError(t, os.WriteFile(a, []byte("class App { int x; }"), 0o644))
	require.NoError(t, os.Remove(b))
	c := filepath.Join(src, "com", "example", "New.java")
	require.NoError(t, os.WriteFile(c, []byte("class New {}"), 0o644))

	changed, err := Scan(set)
	require.NoError(t, err)
	assert.Equal(t, []string{a, c, b}, changed.Diff(first))
}

func TestScan_InvalidPattern(t *testing.T) {
	_, err := Scan(SourceSet{Roots: []string{t.TempDir()}, Include: []string{"[unclosed"}})
	assert.Error(t, err)
}
