// Package packages locates, validates or builds the .deb that is injected
// into the image. A package is only ever returned when its control
// Architecture equals the target.
package packages

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/pimage/internal/arch"
	"github.com/cochaviz/pimage/internal/debpkg"
	"github.com/cochaviz/pimage/internal/provision"
)

// Builder produces packages for a target architecture.
type Builder interface {
	// Available reports an error describing the missing toolchain, if any.
	Available() error
	Build(ctx context.Context, target arch.Architecture) error
}

// Resolver implements provision.PackageResolver.
type Resolver struct {
	Logger *slog.Logger
	// ProjectDir is the root of the daemon's source tree.
	ProjectDir string
	// SearchDirs overrides the default search directories. Entries may
	// contain {triple}, replaced with the target's Rust triple.
	SearchDirs []string
	// Builder is invoked when discovery finds nothing. Nil disables building.
	Builder Builder
}

// DefaultSearchDirs are relative to the project directory.
var DefaultSearchDirs = []string{
	"target/{triple}/debian",
	"target/debian",
}

// Resolve implements provision.PackageResolver.
func (r *Resolver) Resolve(ctx context.Context, target arch.Architecture, explicitPath string) (provision.PackageRef, error) {
	if !target.IsValid() {
		return provision.PackageRef{}, provision.Errorf(provision.CodeInvalidArchitecture, nil, "unsupported architecture %q", target)
	}
	logger := r.logger().With("target", target.String())

	if explicitPath != "" {
		return r.fromPath(explicitPath, target)
	}

	if ref, ok, err := r.discover(logger, target, provision.OriginDiscovered); err != nil || ok {
		return ref, err
	}

	if r.Builder == nil {
		return provision.PackageRef{}, provision.Errorf(provision.CodePackageResolutionFailed, nil,
			"no %s package found in %s", target, strings.Join(r.searchDirs(target), ", ")).
			WithRemedy("build the package or pass --package <path>")
	}
	if err := r.Builder.Available(); err != nil {
		return provision.PackageRef{}, provision.Errorf(provision.CodePackageResolutionFailed, err,
			"no %s package found and the package toolchain is unavailable", target).
			WithRemedy("cargo install cargo-deb && rustup target add %s, or pass --package <path>", target.Triple())
	}

	logger.Info("no package found, building", "project_dir", r.ProjectDir)
	if err := r.Builder.Build(ctx, target); err != nil {
		if ctx.Err() != nil {
			return provision.PackageRef{}, provision.Errorf(provision.CodeInterrupted, err, "package build interrupted")
		}
		return provision.PackageRef{}, provision.Errorf(provision.CodePackageBuildFailed, err, "build %s package", target).
			WithRemedy("run the build manually in %s to see the full output", r.ProjectDir)
	}

	if ref, ok, err := r.discover(logger, target, provision.OriginBuilt); err != nil || ok {
		return ref, err
	}
	return provision.PackageRef{}, provision.Errorf(provision.CodePackageResolutionFailed, nil,
		"build finished but no %s package appeared in %s", target, strings.Join(r.searchDirs(target), ", "))
}

func (r *Resolver) fromPath(path string, target arch.Architecture) (provision.PackageRef, error) {
	control, err := debpkg.ReadControl(path)
	if err != nil {
		return provision.PackageRef{}, provision.Errorf(provision.CodePackageResolutionFailed, err, "read package %s", path)
	}
	actual := arch.Normalize(control.Architecture)
	if actual != target {
		return provision.PackageRef{}, provision.Errorf(provision.CodePackageArchMismatch, nil,
			"package %s is built for %s, target is %s", filepath.Base(path), control.Architecture, target).
			WithRemedy("pass a package built for %s", target)
	}
	return refFromControl(path, control, target, provision.OriginUserProvided), nil
}

// discover returns the first matching package in name order across the
// search directories.
func (r *Resolver) discover(logger *slog.Logger, target arch.Architecture, origin provision.PackageOrigin) (provision.PackageRef, bool, error) {
	for _, dir := range r.searchDirs(target) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return provision.PackageRef{}, false, provision.Errorf(provision.CodePackageResolutionFailed, err, "scan %s", dir)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".deb") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			control, err := debpkg.ReadControl(path)
			if err != nil {
				logger.Warn("skipping unreadable package", "path", path, "error", err)
				continue
			}
			if arch.Normalize(control.Architecture) != target {
				logger.Debug("skipping package for other architecture", "path", path, "architecture", control.Architecture)
				continue
			}
			return refFromControl(path, control, target, origin), true, nil
		}
	}
	return provision.PackageRef{}, false, nil
}

func (r *Resolver) searchDirs(target arch.Architecture) []string {
	dirs := r.SearchDirs
	if len(dirs) == 0 {
		dirs = DefaultSearchDirs
	}
	resolved := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.ReplaceAll(dir, "{triple}", target.Triple())
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(r.projectDir(), dir)
		}
		resolved = append(resolved, dir)
	}
	return resolved
}

func (r *Resolver) projectDir() string {
	if r.ProjectDir == "" {
		return "."
	}
	return r.ProjectDir
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func refFromControl(path string, control debpkg.Control, target arch.Architecture, origin provision.PackageOrigin) provision.PackageRef {
	return provision.PackageRef{
		Path:         path,
		Name:         control.Package,
		Version:      control.Version,
		Architecture: target,
		Origin:       origin,
	}
}
