package blockdev

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/runner"

	"golang.org/x/sys/unix"
)

var (
	unmount = unix.Unmount
	syncFS  = unix.Sync
)

// Boot and root partition numbers of the two-partition layout.
const (
	BootPartition = 1
	RootPartition = 2
)

// Mounter implements provision.MountManager. Filesystem types are left to
// mount(8) to detect.
type Mounter struct {
	Logger *slog.Logger
	Run    runner.Func
}

// Mount mounts the root partition and then the boot partition. If the boot
// mount fails the root mount is undone before returning.
func (m *Mounter) Mount(ctx context.Context, device *provision.BlockDeviceHandle, ws provision.Workspace) (*provision.MountSet, error) {
	if device == nil || len(device.Partitions) < 2 {
		count := 0
		if device != nil {
			count = len(device.Partitions)
		}
		return nil, provision.Errorf(provision.CodeMountFailed, nil,
			"device exposes %d partitions, need boot (1) and root (2)", count)
	}
	root, _ := device.Partition(RootPartition)
	boot, _ := device.Partition(BootPartition)
	logger := m.logger().With("device", device.DevicePath)

	// A failed mount(8) may still have mounted the target, e.g. when it was
	// killed by a signal after mount(2) returned, so every failure path
	// releases whatever the mount table shows.
	if err := m.mount(ctx, root, ws.RootMount); err != nil {
		mountErr := provision.Errorf(provision.CodeMountFailed, err, "mount partition %d (root) %s on %s", RootPartition, root, ws.RootMount)
		return nil, undo(mountErr, release(logger, ws.RootMount))
	}
	logger.Debug("mounted partition", "partition", RootPartition, "path", ws.RootMount)

	if err := m.mount(ctx, boot, ws.BootMount); err != nil {
		mountErr := provision.Errorf(provision.CodeMountFailed, err, "mount partition %d (boot) %s on %s", BootPartition, boot, ws.BootMount)
		return nil, undo(mountErr, release(logger, ws.BootMount), release(logger, ws.RootMount))
	}
	logger.Debug("mounted partition", "partition", BootPartition, "path", ws.BootMount)

	set := provision.NewMountSet(ws.BootMount, ws.RootMount, func() error {
		return errors.Join(
			release(logger, ws.BootMount),
			release(logger, ws.RootMount),
		)
	})
	return set, nil
}

func undo(mountErr error, releaseErrs ...error) error {
	if err := errors.Join(releaseErrs...); err != nil {
		return errors.Join(mountErr, err)
	}
	return mountErr
}

func (m *Mounter) mount(ctx context.Context, partition, target string) error {
	run := m.Run
	if run == nil {
		run = runner.Run
	}
	return runner.Quiet(ctx, run, "mount", partition, target)
}

// release unmounts path if it is mounted. A busy mount is retried after a
// sync and finally detached lazily.
func release(logger *slog.Logger, path string) error {
	mounted, err := IsMountpoint(path)
	if err != nil {
		return provision.Errorf(provision.CodeUnmountFailed, err, "inspect %s", path)
	}
	if !mounted {
		return nil
	}
	path = canonical(path)

	if err := unmount(path, 0); err == nil {
		logger.Debug("unmounted", "path", path)
		return nil
	}

	syncFS()
	if err := unmount(path, 0); err == nil {
		logger.Debug("unmounted after sync", "path", path)
		return nil
	}

	if err := unmount(path, unix.MNT_DETACH); err != nil {
		return provision.Errorf(provision.CodeUnmountFailed, err, "unmount %s", path).
			WithRemedy("run `umount -l %s`", path)
	}
	logger.Warn("mount was busy, detached lazily", "path", path)
	return nil
}

// Unmount releases a single mount point using the same fallbacks as a
// MountSet release.
func Unmount(logger *slog.Logger, path string) error {
	if logger == nil {
		logger = slog.Default()
	}
	return release(logger, path)
}

func (m *Mounter) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
