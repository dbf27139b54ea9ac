package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/superdev/internal/config"
	"github.com/3leaps/superdev/pkg/compiler/compilertest"
	"github.com/3leaps/superdev/pkg/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	data := t.TempDir()
	return &config.Config{
		WorkDir: filepath.Join(data, "work"),
		DataDir: data,
		Modules: []config.ModuleConfig{
			{Name: "app", Bindings: map[string]string{"locale": "en"}},
			{Name: "admin"},
		},
		Recompile: config.RecompileConfig{MaxDirAttempts: 10},
		Registry:  config.RegistryConfig{Persist: true},
	}
}

func TestBuildPipeline_RequiresModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules = nil
	_, err := buildPipeline(context.Background(), cfg, pipelineOptions{compiler: compilertest.New()}, nil)
	assert.ErrorContains(t, err, "no modules")
}

func TestBuildPipeline_PersistsAndMirrors(t *testing.T) {
	cfg := testConfig(t)
	mirrorDir := t.TempDir()
	cfg.Mirror = config.MirrorConfig{Enabled: true, Provider: "file", Path: mirrorDir, Prefix: "previews"}

	stale := filepath.Join(jobStoreDir(cfg), "app-7")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	p, err := buildPipeline(context.Background(), cfg, pipelineOptions{persist: true, compiler: compilertest.New()}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.NoDirExists(t, stale, "records of an earlier run are cleared")
	require.Len(t, p.table.All(), 2)

	ob, err := p.table.Lookup("app")
	require.NoError(t, err)
	j := ob.NewJob(map[string]string{"locale": "fr"})
	require.NoError(t, p.runner.Submit(j))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := j.Wait(ctx)
	require.NoError(t, err)
	require.True(t, r.OK())

	rec, err := p.store.Get(j.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusServing, rec.State)
	assert.Equal(t, "fr", rec.Bindings["locale"])

	mirrored := filepath.Join(mirrorDir, "previews", "app", "compile-1", "app", "app.nocache.js")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(mirrored)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBuildPipeline_NoPersist(t *testing.T) {
	cfg := testConfig(t)
	p, err := buildPipeline(context.Background(), cfg, pipelineOptions{compiler: compilertest.New()}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Nil(t, p.store)
	assert.Nil(t, p.mirrorStore)
}

func TestBuildPipeline_BadMirror(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mirror = config.MirrorConfig{Enabled: true, Provider: "gcs"}
	_, err := buildPipeline(context.Background(), cfg, pipelineOptions{compiler: compilertest.New()}, nil)
	assert.ErrorContains(t, err, "open mirror")
}

func TestEnvList(t *testing.T) {
	assert.Empty(t, envList(nil))
	assert.Equal(t,
		[]string{"GWT_OPTS=-Xmx2g", "JAVA_HOME=/opt/jdk"},
		envList(map[string]string{"java_home": "/opt/jdk", "gwt_opts": "-Xmx2g"}))
}
