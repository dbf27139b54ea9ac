package artifactdir

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_CollectsStaleCompileDirs(t *testing.T) {
	root := t.TempDir()
	moduleDir := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(filepath.Join(moduleDir, "compile-1", "war"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, "compile-1", "war", "app.js"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(moduleDir, "compile-7"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(moduleDir, "compile-abc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, "keep.txt"), []byte("x"), 0o644))

	o, err := Create(root, "app", Options{})
	require.NoError(t, err)
	assert.Equal(t, moduleDir, o.Root())

	assert.NoDirExists(t, filepath.Join(moduleDir, "compile-1"))
	assert.NoDirExists(t, filepath.Join(moduleDir, "compile-7"))
	assert.DirExists(t, filepath.Join(moduleDir, "compile-abc"))
	assert.FileExists(t, filepath.Join(moduleDir, "keep.txt"))

	d, err := o.NewCompileDir()
	require.NoError(t, err)
	assert.Equal(t, 1, d.Number())
}

func TestNewCompileDir_Layout(t *testing.T) {
	o, err := Create(t.TempDir(), "app", Options{})
	require.NoError(t, err)

	d, err := o.NewCompileDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(o.Root(), "compile-1"), d.Root())
	assert.DirExists(t, d.WarDir())
	assert.DirExists(t, d.ExtrasDir())
	assert.DirExists(t, d.GenDir())
	assert.FileExists(t, d.LogFile())

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestNewCompileDir_IncreasingAndUnique(t *testing.T) {
	o, err := Create(t.TempDir(), "app", Options{})
	require.NoError(t, err)

	prev := 0
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		d, err := o.NewCompileDir()
		require.NoError(t, err)
		assert.Greater(t, d.Number(), prev)
		assert.False(t, seen[d.Root()], "directory %s returned twice", d.Root())
		seen[d.Root()] = true
		prev = d.Number()
	}
}

func TestNewCompileDir_ConcurrentCallersNeverShare(t *testing.T) {
	o, err := Create(t.TempDir(), "app", Options{})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	dirs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := o.NewCompileDir()
			if assert.NoError(t, err) {
				dirs <- d.Root()
			}
		}()
	}
	wg.Wait()
	close(dirs)

	seen := map[string]bool{}
	for d := range dirs {
		assert.False(t, seen[d])
		seen[d] = true
	}
	assert.Len(t, seen, n)
}

func TestNewCompileDir_SkipsCollisions(t *testing.T) {
	o, err := Create(t.TempDir(), "app", Options{})
	require.NoError(t, err)

	// Something else grabbed compile-1 and compile-2 after startup.
	require.NoError(t, os.WriteFile(filepath.Join(o.Root(), "compile-1"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(o.Root(), "compile-2"), 0o755))

	d, err := o.NewCompileDir()
	require.NoError(t, err)
	assert.Equal(t, 3, d.Number())

	d, err = o.NewCompileDir()
	require.NoError(t, err)
	assert.Equal(t, 4, d.Number())
}

func TestNewCompileDir_ExhaustedAfterCeiling(t *testing.T) {
	o, err := Create(t.TempDir(), "app", Options{MaxAttempts: 3})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(o.Root(), "compile-"+string(rune('0'+i))), nil, 0o644))
	}

	d, err := o.NewCompileDir()
	require.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Nil(t, d)

	// compile-1..3 were consumed; 4 and 5 still collide, 6 is free.
	d, err = o.NewCompileDir()
	require.NoError(t, err)
	assert.Equal(t, 6, d.Number())
}

func TestModuleDirName(t *testing.T) {
	tests := []struct {
		name    string
		module  string
		want    string
		wantErr bool
	}{
		{name: "simple", module: "app", want: "app"},
		{name: "dotted", module: "com.example.App", want: "com.example.App"},
		{name: "slash replaced", module: "a/b", want: "a_b"},
		{name: "empty", module: "  ", wantErr: true},
		{name: "dot dot", module: "..", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ModuleDirName(tt.module)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, 12, parseNumber("compile-12"))
	assert.Equal(t, 0, parseNumber("compile-"))
	assert.Equal(t, 0, parseNumber("compile-012"))
	assert.Equal(t, 0, parseNumber("compile-x"))
	assert.Equal(t, 0, parseNumber("other-3"))
}

func TestOpen(t *testing.T) {
	d := Open("/tmp/work/app/compile-9")
	assert.Equal(t, 9, d.Number())
	assert.Equal(t, filepath.Join("/tmp/work/app/compile-9", "war"), d.WarDir())
}
