package blockdev

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/cochaviz/pimage/internal/provision"
)

// StaleResources lists what ReleaseWorkspace released.
type StaleResources struct {
	Unmounted []string
	Detached  []string
}

// ReleaseWorkspace unmounts the scratch mounts of ws, including anything
// mounted below them, deepest first, and then detaches loop devices backed
// by images in ws.ImageDir. Mounts and devices the pipeline never acquires
// are left alone even when they live under ws.OutputDir.
func ReleaseWorkspace(logger *slog.Logger, ws provision.Workspace) (StaleResources, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var released StaleResources

	var mounts []string
	for _, scratch := range ws.ScratchMounts() {
		under, err := MountsUnder(scratch)
		if err != nil {
			return released, provision.Errorf(provision.CodeUnmountFailed, err, "read mount table")
		}
		mounts = append(mounts, under...)
	}
	sort.SliceStable(mounts, func(i, j int) bool { return len(mounts[i]) > len(mounts[j]) })

	var errs []error
	for _, mount := range mounts {
		if err := release(logger, mount); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Info("unmounted stale mount", "path", mount)
		released.Unmounted = append(released.Unmounted, mount)
	}
	if len(errs) > 0 {
		// Detaching a device under a live mount would strand the filesystem.
		return released, errors.Join(errs...)
	}

	loops, err := FindAttached(ws.ImageDir)
	if err != nil {
		return released, provision.Errorf(provision.CodeDetachFailed, err, "list loop devices")
	}
	for _, loop := range loops {
		device := loop.Device
		if err := loop.Detach(); err != nil {
			errs = append(errs, provision.Errorf(provision.CodeDetachFailed, err, "detach %s", device).
				WithRemedy("run `losetup -d %s`", device))
			continue
		}
		logger.Info("detached stale loop device", "device", device)
		released.Detached = append(released.Detached, device)
	}
	return released, errors.Join(errs...)
}
