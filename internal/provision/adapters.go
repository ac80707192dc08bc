package provision

import (
	"context"

	"github.com/cochaviz/pimage/internal/arch"
)

// WorkspacePreparer creates the directories of a run.
type WorkspacePreparer interface {
	Prepare(outputDir string) (Workspace, error)
}

// HostChecker verifies that the host can run the pipeline.
type HostChecker interface {
	Check(ctx context.Context) error
}

// SourceResolver turns a locator into a local raw image and stages a working
// copy of it.
type SourceResolver interface {
	Resolve(ctx context.Context, ws Workspace, locator string, target arch.Architecture) (ImageSpec, error)
	Stage(ctx context.Context, ws Workspace, spec ImageSpec) (string, error)
}

// PackageResolver locates, validates or builds the package for a target.
type PackageResolver interface {
	Resolve(ctx context.Context, target arch.Architecture, explicitPath string) (PackageRef, error)
}

// DeviceBinder attaches an image file as a partitioned block device.
type DeviceBinder interface {
	Bind(ctx context.Context, imagePath string) (*BlockDeviceHandle, error)
}

// MountManager mounts the boot and root partitions of a device.
type MountManager interface {
	Mount(ctx context.Context, device *BlockDeviceHandle, ws Workspace) (*MountSet, error)
}

// ImageMutator applies customizations to mounted trees.
type ImageMutator interface {
	Apply(ctx context.Context, mounts *MountSet, request CustomizationRequest) error
}

// RecordRepository persists run records below the workspace.
type RecordRepository interface {
	Save(ws Workspace, record Record) error
}
