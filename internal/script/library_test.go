package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapOverrides map[string]string

func (m mapOverrides) Retrieve(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name)+".js")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func TestLibrary_LoadAndCache(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bundle/iob", "var iob = 1;")

	l := NewLibrary(dir, nil, nil)
	src, err := l.Load("bundle/iob")
	require.NoError(t, err)
	assert.Equal(t, Source{Name: "bundle/iob", Body: "var iob = 1;"}, src)

	writeScript(t, dir, "bundle/iob", "var iob = 2;")
	src, _ = l.Load("bundle/iob")
	assert.Equal(t, "var iob = 1;", src.Body, "served from cache")

	l.Invalidate()
	src, _ = l.Load("bundle/iob")
	assert.Equal(t, "var iob = 2;", src.Body)
}

func TestLibrary_LoadMissing(t *testing.T) {
	l := NewLibrary(t.TempDir(), nil, nil)
	_, err := l.Load("bundle/nothing")
	assert.Error(t, err)

	_, err = l.LoadAll([]string{"bundle/nothing"})
	assert.Error(t, err)
}

func TestLibrary_MiddlewarePrefersStoredOverride(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "middleware/determine_basal", "function middleware() { return 'bundled'; }")

	l := NewLibrary(dir, mapOverrides{"middleware/determine_basal.js": "function middleware() { return 'user'; }"}, nil)
	src, ok := l.Middleware("middleware/determine_basal")
	require.True(t, ok)
	assert.Contains(t, src.Body, "user")

	l = NewLibrary(dir, mapOverrides{}, nil)
	src, ok = l.Middleware("middleware/determine_basal")
	require.True(t, ok)
	assert.Contains(t, src.Body, "bundled")

	l = NewLibrary(t.TempDir(), nil, nil)
	_, ok = l.Middleware("middleware/determine_basal")
	assert.False(t, ok)
}

func TestLibrary_WatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "prepare/log", "var v = 1;")

	l := NewLibrary(dir, nil, nil)
	_, err := l.Load("prepare/log")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()

	require.Eventually(t, func() bool {
		writeScript(t, dir, "prepare/log", "var v = 2;")
		src, _ := l.Load("prepare/log")
		return src.Body == "var v = 2;"
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
