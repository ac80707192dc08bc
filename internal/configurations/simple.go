// Package simple composes the provisioning pipeline from its local adapters.
package simple

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/pimage/internal/blockdev"
	"github.com/cochaviz/pimage/internal/logging"
	"github.com/cochaviz/pimage/internal/mutate"
	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/provision/packages"
	"github.com/cochaviz/pimage/internal/provision/source"
	localrepositories "github.com/cochaviz/pimage/internal/repositories/local"
)

// NewService wires the pipeline controller for profile.
func NewService(profile Profile, logger *slog.Logger) *provision.Service {
	logger = logging.Ensure(logger)

	sources := source.NewResolver(component(logger, "source"), profile.RetryMax, source.ProgressOutput(os.Stderr))
	sources.ImagePattern = profile.ImagePattern

	return &provision.Service{
		Logger: component(logger, "pipeline"),
		Workspaces: &provision.LocalWorkspacePreparer{
			Logger:       component(logger, "workspace"),
			IsMountpoint: blockdev.IsMountpoint,
		},
		Preflight: &provision.HostPreflight{
			Logger:      component(logger, "preflight"),
			Tools:       provision.DefaultTools(),
			RequireRoot: profile.RequireRoot,
		},
		Sources:  sources,
		Packages: newPackageResolver(profile, logger),
		Devices:  &blockdev.Binder{Logger: component(logger, "blockdev")},
		Mounts:   &blockdev.Mounter{Logger: component(logger, "mount")},
		Mutator: &mutate.Mutator{
			Logger: component(logger, "mutate"),
			Hasher: &mutate.OpenSSLHasher{},
		},
		Records: &localrepositories.LocalRecordRepository{},
	}
}

func newPackageResolver(profile Profile, logger *slog.Logger) *packages.Resolver {
	resolver := &packages.Resolver{
		Logger:     component(logger, "packages"),
		ProjectDir: profile.ProjectDir,
	}
	if !profile.NoBuild {
		resolver.Builder = &packages.CargoDebBuilder{
			Logger:     component(logger, "cargo-deb"),
			ProjectDir: profile.ProjectDir,
		}
	}
	return resolver
}

// Build runs the full pipeline described by profile.
func Build(ctx context.Context, profile Profile, logger *slog.Logger) (provision.PipelineResult, error) {
	return NewService(profile, logger).Run(ctx, profile.Request())
}

// Package resolves the package for the profile's architecture without
// touching any image.
func Package(ctx context.Context, profile Profile, logger *slog.Logger) (provision.PackageRef, error) {
	target, err := profile.Target()
	if err != nil {
		return provision.PackageRef{}, err
	}
	return newPackageResolver(profile, logging.Ensure(logger)).Resolve(ctx, target, profile.Package)
}

// List returns the build records kept under outputDir, newest first.
func List(outputDir string) ([]provision.Record, error) {
	ws := provision.NewWorkspace(outputDir)
	repo := &localrepositories.LocalRecordRepository{}
	return repo.List(ws.RecordDir)
}

// Show returns the build record with id kept under outputDir.
func Show(outputDir, id string) (provision.Record, error) {
	ws := provision.NewWorkspace(outputDir)
	repo := &localrepositories.LocalRecordRepository{}
	record, err := repo.Get(ws.RecordDir, id)
	if err != nil {
		return provision.Record{}, provision.Errorf(provision.CodeInvalidRequest, err, "read build record %q", id)
	}
	if record == nil {
		return provision.Record{}, provision.Errorf(provision.CodeInvalidRequest, nil, "no build record %q in %s", id, outputDir).
			WithRemedy("run `pimage list --output-dir %s` to see the recorded runs", outputDir)
	}
	return *record, nil
}

// Cleanup releases mounts and loop devices left behind by a run that could
// not release them itself. Only the workspace scratch mounts and devices
// backed by its output images are touched.
func Cleanup(outputDir string, logger *slog.Logger) (blockdev.StaleResources, error) {
	logger = component(logging.Ensure(logger), "cleanup")

	absolute, err := filepath.Abs(outputDir)
	if err != nil {
		return blockdev.StaleResources{}, fmt.Errorf("resolve output directory: %w", err)
	}
	return blockdev.ReleaseWorkspace(logger, provision.NewWorkspace(absolute))
}

func component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(logging.ComponentKey, name)
}
