package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/pimage/internal/provision"
)

const (
	// DefaultSettleTimeout bounds the wait for partition nodes after attach.
	DefaultSettleTimeout = 10 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
)

// Binder implements provision.DeviceBinder with loop devices.
type Binder struct {
	Logger *slog.Logger
	// SettleTimeout bounds the wait for partition device nodes.
	SettleTimeout time.Duration
	// MinPartitions is the number of partitions that must appear.
	MinPartitions int
	PollInterval  time.Duration
}

// Bind attaches imagePath and waits for its partitions. Either a fully
// usable handle is returned or the device is detached again.
func (b *Binder) Bind(ctx context.Context, imagePath string) (*provision.BlockDeviceHandle, error) {
	absolute, err := filepath.Abs(imagePath)
	if err != nil {
		return nil, provision.Errorf(provision.CodeAttachFailed, err, "resolve %s", imagePath)
	}

	loop := NewLoop(absolute)
	if err := loop.Attach(); err != nil {
		return nil, provision.Errorf(provision.CodeAttachFailed, err, "attach %s", absolute).
			WithRemedy("check that the loop module is loaded and that you are root")
	}
	logger := b.logger().With("device", loop.Device)
	logger.Debug("loop device attached", "image", absolute)

	partitions, err := b.waitPartitions(ctx, loop.Device)
	if err != nil {
		if detachErr := loop.Detach(); detachErr != nil {
			logger.Error("detach after failed bind", "error", detachErr)
		}
		return nil, err
	}

	handle := provision.NewBlockDeviceHandle(loop.Device, absolute, partitions, func() error {
		if err := loop.Detach(); err != nil {
			return provision.Errorf(provision.CodeDetachFailed, err, "detach %s", loop.Device).
				WithRemedy("unmount anything using %s and run `losetup -d %s`", loop.Device, loop.Device)
		}
		logger.Debug("loop device detached")
		return nil
	})
	return handle, nil
}

func (b *Binder) waitPartitions(ctx context.Context, device string) ([]string, error) {
	timeout := b.SettleTimeout
	if timeout <= 0 {
		timeout = DefaultSettleTimeout
	}
	interval := b.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	want := b.MinPartitions
	if want <= 0 {
		want = 2
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var found []string
	for {
		partitions, err := Partitions(device)
		if err == nil && len(partitions) >= want && nodesExist(partitions) {
			return partitions, nil
		}
		found = partitions

		select {
		case <-ctx.Done():
			return nil, provision.Errorf(provision.CodeInterrupted, ctx.Err(), "waiting for partitions of %s", device)
		case <-deadline.C:
			return nil, provision.Errorf(provision.CodeAttachFailed, err,
				"%s exposes %d partitions after %s, need %d", device, len(found), timeout, want).
				WithRemedy("the image must carry a partition table with boot and root partitions")
		case <-ticker.C:
		}
	}
}

// Partitions lists the partition device paths of device from sysfs, ordered
// by partition number.
func Partitions(device string) ([]string, error) {
	name := filepath.Base(device)
	entries, err := readDir(filepath.Join(sysBlockPrefix, name))
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", device, err)
	}

	type partition struct {
		number int
		path   string
	}
	var parts []partition
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), name+"p") {
			continue
		}
		data, err := readFileBytes(filepath.Join(sysBlockPrefix, name, entry.Name(), "partition"))
		if err != nil {
			continue
		}
		number, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		parts = append(parts, partition{number: number, path: filepath.Join(devPrefix, entry.Name())})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].number < parts[j].number })

	paths := make([]string, 0, len(parts))
	for _, p := range parts {
		paths = append(paths, p.path)
	}
	return paths, nil
}

func nodesExist(paths []string) bool {
	for _, path := range paths {
		if _, err := statFile(path); err != nil {
			return false
		}
	}
	return true
}

// FindAttached returns attached loop devices whose backing file lives under
// dir.
func FindAttached(dir string) ([]*Loop, error) {
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	loops, err := ListLoops()
	if err != nil {
		return nil, err
	}
	var matches []*Loop
	for _, loop := range loops {
		backing := strings.TrimSuffix(loop.BackingFile(), " (deleted)")
		if backing == absolute || strings.HasPrefix(backing, absolute+string(filepath.Separator)) {
			matches = append(matches, loop)
		}
	}
	return matches, nil
}

func (b *Binder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
