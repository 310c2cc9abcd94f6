package templates

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() fstest.MapFS {
	return fstest.MapFS{
		"python3/rename.tmpl": {Data: []byte(
			`model = model.replace_parameter_name({{ pystr .old_name }}, {{ pystr .new_name }})` + "\n")},
		"python3/stratify.tmpl": {Data: []byte(
			`stratify(model, key={{ pystr .key }}, strata={{ pyrepr .strata }}, add_param_factor={{ pyrepr (default true .add_param_factor) }})`)},
		"python3/bare.tmpl": {Data: []byte(`print({{ .name }})`)},
		"julia-1.9/load.tmpl": {Data: []byte(`df = DataFrame(CSV.File({{ julia .path }}))`)},
	}
}

func newTestRegistry(t *testing.T, overrideDir string) *Registry {
	t.Helper()
	r := New(Config{OverrideDir: overrideDir, Logger: zerolog.Nop()})
	r.Register("mira_model_edit", testSource())
	return r
}

func TestRegistry_Render(t *testing.T) {
	r := newTestRegistry(t, "")

	t.Run("substitutes quoted strings", func(t *testing.T) {
		out, err := r.Render("mira_model_edit", "python3", "rename", map[string]any{
			"old_name": "beta",
			"new_name": `b"eta`,
		})
		require.NoError(t, err)
		assert.Equal(t, `model = model.replace_parameter_name("beta", "b\"eta")`+"\n", out)
	})

	t.Run("default applies only when absent", func(t *testing.T) {
		out, err := r.Render("mira_model_edit", "python3", "stratify", map[string]any{
			"key":    "age",
			"strata": []any{"young", "old"},
		})
		require.NoError(t, err)
		assert.Equal(t, `stratify(model, key="age", strata=["young", "old"], add_param_factor=True)`, out)

		out, err = r.Render("mira_model_edit", "python3", "stratify", map[string]any{
			"key":              "age",
			"strata":           []string{"a"},
			"add_param_factor": false,
		})
		require.NoError(t, err)
		assert.Contains(t, out, "add_param_factor=False")
	})

	t.Run("julia kernel", func(t *testing.T) {
		out, err := r.Render("mira_model_edit", "julia-1.9", "load", map[string]any{"path": "/tmp/$x.csv"})
		require.NoError(t, err)
		assert.Equal(t, `df = DataFrame(CSV.File("/tmp/\$x.csv"))`, out)
	})

	t.Run("missing value through helper", func(t *testing.T) {
		_, err := r.Render("mira_model_edit", "python3", "rename", map[string]any{"old_name": "beta"})
		var missing *MissingValueError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "mira_model_edit/python3/rename", missing.Template)
	})

	t.Run("missing value printed directly", func(t *testing.T) {
		_, err := r.Render("mira_model_edit", "python3", "bare", nil)
		var missing *MissingValueError
		assert.ErrorAs(t, err, &missing)
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := r.Render("mira_model_edit", "python3", "nope", nil)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = r.Render("other", "python3", "rename", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("kernel is part of the key", func(t *testing.T) {
		assert.True(t, r.Has("mira_model_edit", "python3", "rename"))
		assert.False(t, r.Has("mira_model_edit", "julia-1.9", "rename"))
	})
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t, "")
	keys := r.List()
	require.Len(t, keys, 4)
	assert.Equal(t, Key{Toolset: "mira_model_edit", Kernel: "julia-1.9", Name: "load"}, keys[0])
}

func TestRegistry_Override(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)

	out, err := r.Render("mira_model_edit", "python3", "bare", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "print(x)", out)

	overridePath := filepath.Join(dir, "mira_model_edit", "python3", "bare.tmpl")
	require.NoError(t, os.MkdirAll(filepath.Dir(overridePath), 0o755))
	require.NoError(t, os.WriteFile(overridePath, []byte(`display({{ .name }})`), 0o644))

	// cached until invalidated
	out, err = r.Render("mira_model_edit", "python3", "bare", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "print(x)", out)

	r.Invalidate(overridePath)
	out, err = r.Render("mira_model_edit", "python3", "bare", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "display(x)", out)

	assert.Contains(t, r.List(), Key{Toolset: "mira_model_edit", Kernel: "python3", Name: "bare"})
}

func TestWatcher_ReloadsOverrides(t *testing.T) {
	dir := t.TempDir()
	overridePath := filepath.Join(dir, "mira_model_edit", "python3", "bare.tmpl")
	require.NoError(t, os.MkdirAll(filepath.Dir(overridePath), 0o755))
	require.NoError(t, os.WriteFile(overridePath, []byte(`v1({{ .name }})`), 0o644))

	r := newTestRegistry(t, dir)
	reloaded := make(chan string, 8)
	w, err := r.Watch(WatcherConfig{
		StabilityThreshold: 20 * time.Millisecond,
		OnReload:           func(path string) { reloaded <- path },
	})
	require.NoError(t, err)
	defer w.Stop()

	out, err := r.Render("mira_model_edit", "python3", "bare", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "v1(x)", out)

	require.NoError(t, os.WriteFile(overridePath, []byte(`v2({{ .name }})`), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("template change was not observed")
	}

	assert.Eventually(t, func() bool {
		out, err := r.Render("mira_model_edit", "python3", "bare", map[string]any{"name": "x"})
		return err == nil && out == "v2(x)"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatch_RequiresOverrideDir(t *testing.T) {
	r := newTestRegistry(t, "")
	_, err := r.Watch(WatcherConfig{})
	assert.Error(t, err)
}
