// Package settings reads the version-controlled settings files of the services
// the agent manages. The settings directory is a git working tree; every
// subsystem keeps one file in it.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/protocol"
)

// DefaultDir is where the settings repository is checked out on the device
const DefaultDir = "/home/printnanny/.config/printnanny/settings"

type file struct {
	path   string
	format protocol.Format
}

var files = map[protocol.Subsystem]file{
	protocol.OctoPrint:   {path: "octoprint/octoprint.yaml", format: protocol.FormatYaml},
	protocol.Klipper:     {path: "klipper/printer.cfg", format: protocol.FormatIni},
	protocol.Moonraker:   {path: "moonraker/moonraker.conf", format: protocol.FormatIni},
	protocol.GstPipeline: {path: "printnanny/gst_pipeline.toml", format: protocol.FormatToml},
}

// Store reads settings for each subsystem from a settings directory
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

// Dir returns the settings directory
func (s *Store) Dir() string {
	return s.dir
}

func lookup(sub protocol.Subsystem, method string) (file, error) {
	f, ok := files[sub]
	if !ok {
		return file{}, errs.WrapInvalid(fmt.Errorf("%w: %q", errs.ErrUnknownSubsystem, sub),
			"Store", method, "resolve subsystem")
	}
	return f, nil
}

// Path returns the absolute path of a subsystem's settings file
func (s *Store) Path(sub protocol.Subsystem) (string, error) {
	f, err := lookup(sub, "Path")
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, f.path), nil
}

// Format returns the file format of a subsystem's settings
func (s *Store) Format(sub protocol.Subsystem) (protocol.Format, error) {
	f, err := lookup(sub, "Format")
	if err != nil {
		return "", err
	}
	return f.format, nil
}

// ReadSettings returns the current contents of a subsystem's settings file
func (s *Store) ReadSettings(sub protocol.Subsystem) (string, error) {
	path, err := s.Path(sub)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrSettingsNotFound, path),
				"Store", "ReadSettings", "read settings")
		}
		return "", errs.Wrap(err, "Store", "ReadSettings", "read settings")
	}
	return string(data), nil
}

// GitParentCommit returns the commit the settings directory is checked out at.
// All subsystems share one repository, so sub only needs to be valid.
func (s *Store) GitParentCommit(ctx context.Context, sub protocol.Subsystem) (string, error) {
	if _, err := lookup(sub, "GitParentCommit"); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", errs.WrapTransient(err, "Store", "GitParentCommit", "open repository")
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrNotARepository, s.dir),
				"Store", "GitParentCommit", "open repository")
		}
		return "", errs.Wrap(err, "Store", "GitParentCommit", "open repository")
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", errs.WrapInvalid(fmt.Errorf("%w: %s has no commits", errs.ErrNotARepository, s.dir),
				"Store", "GitParentCommit", "resolve HEAD")
		}
		return "", errs.Wrap(err, "Store", "GitParentCommit", "resolve HEAD")
	}
	return head.Hash().String(), nil
}
