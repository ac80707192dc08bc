// Package mutate applies the customizations of a run to the mounted boot and
// root trees of an image.
package mutate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/pimage/internal/provision"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Mutator implements provision.ImageMutator.
type Mutator struct {
	Logger *slog.Logger
	Hasher Hasher
}

type step struct {
	name string
	fn   func(ctx context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error
}

func (m *Mutator) steps() []step {
	return []step{
		{"ssh", m.enableSSH},
		{"hostname", m.setHostname},
		{"user", m.provisionUser},
		{"wifi", m.configureWiFi},
		{"package", m.installPackage},
		{"service", m.enableService},
		{"config", m.writeDefaultConfig},
	}
}

// Apply runs every step in order and stops at the first failure. No step
// acquires or releases OS resources.
func (m *Mutator) Apply(ctx context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	if mounts == nil {
		return provision.Errorf(provision.CodeWriteFailed, nil, "no mounted trees to customize")
	}
	if request.Daemon.Unit == "" {
		request.Daemon = provision.DefaultDaemonProfile()
	}
	logger := m.logger()

	for _, s := range m.steps() {
		if err := ctx.Err(); err != nil {
			return provision.Errorf(provision.CodeInterrupted, err, "interrupted before %s step", s.name)
		}
		logger.Info("applying customization", "step", s.name)
		if err := s.fn(ctx, mounts, request); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mutator) enableSSH(_ context.Context, mounts *provision.MountSet, _ provision.CustomizationRequest) error {
	path, err := inTree(mounts.BootMount, "ssh")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create ssh marker")
	}
	if err := f.Close(); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create ssh marker")
	}
	return nil
}

func (m *Mutator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// inTree resolves rel inside tree without following symlinks out of it.
func inTree(tree, rel string) (string, error) {
	path, err := securejoin.SecureJoin(tree, rel)
	if err != nil {
		return "", provision.Errorf(provision.CodeWriteFailed, err, "resolve %s in %s", rel, tree)
	}
	return path, nil
}

// writeTreeFile replaces rel inside tree with data, creating parents.
func writeTreeFile(tree, rel string, data []byte, perm os.FileMode) error {
	path, err := inTree(tree, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create parent of %s", rel)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "write %s", rel)
	}
	return nil
}

func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
