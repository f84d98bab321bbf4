package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/protocol"
)

func writeSettings(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestStore_PathAndFormat(t *testing.T) {
	s := NewStore("/settings")

	tests := []struct {
		sub    protocol.Subsystem
		path   string
		format protocol.Format
	}{
		{protocol.OctoPrint, "/settings/octoprint/octoprint.yaml", protocol.FormatYaml},
		{protocol.Klipper, "/settings/klipper/printer.cfg", protocol.FormatIni},
		{protocol.Moonraker, "/settings/moonraker/moonraker.conf", protocol.FormatIni},
		{protocol.GstPipeline, "/settings/printnanny/gst_pipeline.toml", protocol.FormatToml},
	}

	for _, tt := range tests {
		t.Run(string(tt.sub), func(t *testing.T) {
			path, err := s.Path(tt.sub)
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)

			format, err := s.Format(tt.sub)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
		})
	}

	_, err := s.Path("cura")
	assert.True(t, errors.Is(err, errs.ErrUnknownSubsystem))
	assert.True(t, errs.IsInvalid(err))
}

func TestStore_ReadSettings(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "octoprint/octoprint.yaml", "webcam:\n  stream: /printnanny-hls/playlist.m3u8\n")
	s := NewStore(dir)

	data, err := s.ReadSettings(protocol.OctoPrint)
	require.NoError(t, err)
	assert.Equal(t, "webcam:\n  stream: /printnanny-hls/playlist.m3u8\n", data)

	_, err = s.ReadSettings(protocol.Klipper)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSettingsNotFound))
}

// initRepo creates a git repository in dir with one commit of the given files
func initRepo(t *testing.T, dir string, files map[string]string) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for rel, content := range files {
		writeSettings(t, dir, rel, content)
		_, err := wt.Add(rel)
		require.NoError(t, err)
	}

	hash, err := wt.Commit("initial settings", &git.CommitOptions{
		Author: &object.Signature{Name: "edgeworker", Email: "edgeworker@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func TestStore_GitParentCommit(t *testing.T) {
	dir := t.TempDir()
	want := initRepo(t, dir, map[string]string{
		"octoprint/octoprint.yaml": "api:\n  disabled: true\n",
		"moonraker/moonraker.conf": "[server]\nhost: 0.0.0.0\n",
	})
	s := NewStore(dir)

	for _, sub := range protocol.Subsystems() {
		t.Run(string(sub), func(t *testing.T) {
			commit, err := s.GitParentCommit(context.Background(), sub)
			require.NoError(t, err)
			assert.Equal(t, want.String(), commit)
			assert.Len(t, commit, 40)
		})
	}
}

func TestStore_GitParentCommitFollowsHead(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir, map[string]string{"klipper/printer.cfg": "[printer]\nkinematics: corexy\n"})

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	writeSettings(t, dir, "klipper/printer.cfg", "[printer]\nkinematics: cartesian\n")
	_, err = wt.Add("klipper/printer.cfg")
	require.NoError(t, err)
	second, err := wt.Commit("switch kinematics", &git.CommitOptions{
		Author: &object.Signature{Name: "edgeworker", Email: "edgeworker@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	commit, err := NewStore(dir).GitParentCommit(context.Background(), protocol.Klipper)
	require.NoError(t, err)
	assert.Equal(t, second.String(), commit)
}

func TestStore_GitParentCommitFailures(t *testing.T) {
	ctx := context.Background()

	emptyRepo := t.TempDir()
	_, err := git.PlainInit(emptyRepo, false)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name  string
		dir   string
		ctx   context.Context
		sub   protocol.Subsystem
		check func(t *testing.T, err error)
	}{
		{"not a repository", t.TempDir(), ctx, protocol.OctoPrint, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errs.ErrNotARepository))
			assert.True(t, errs.IsInvalid(err))
		}},
		{"missing directory", filepath.Join(t.TempDir(), "absent"), ctx, protocol.OctoPrint, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errs.ErrNotARepository))
		}},
		{"no commits", emptyRepo, ctx, protocol.Moonraker, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errs.ErrNotARepository))
			assert.Contains(t, err.Error(), "no commits")
		}},
		{"unknown subsystem", emptyRepo, ctx, "cura", func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, errs.ErrUnknownSubsystem))
		}},
		{"cancelled", emptyRepo, cancelled, protocol.Klipper, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, context.Canceled))
			assert.True(t, errs.IsTransient(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.dir).GitParentCommit(tt.ctx, tt.sub)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}
