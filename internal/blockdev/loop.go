// Package blockdev binds image files to loop devices and mounts their boot
// and root partitions.
package blockdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Mockable variables for loop-device operations.
var (
	loopControlPath = "/dev/loop-control"
	sysBlockPrefix  = "/sys/block"
	devPrefix       = "/dev"

	// Low-level wrappers; replaced by fakes in tests.
	openFile      = os.OpenFile
	ioctlRetInt   = unix.IoctlRetInt
	ioctlSetInt   = unix.IoctlSetInt
	ioctlLoopInfo = unix.IoctlLoopSetStatus64
	closeFile     = func(f *os.File) error { return f.Close() }
	readFileBytes = os.ReadFile
	readDir       = os.ReadDir
	statFile      = os.Stat
)

// attachAttempts bounds retries when another process claims the free device
// between LOOP_CTL_GET_FREE and LOOP_SET_FD.
const attachAttempts = 5

// Loop is a Linux loop device backed by an image file.
type Loop struct {
	mu       sync.Mutex
	Path     string // image file path
	Device   string // loop device path, e.g. /dev/loop3
	attached bool
}

// NewLoop returns a Loop for the given image path.
func NewLoop(imagePath string) *Loop {
	return &Loop{Path: imagePath}
}

// NewLoopFromDevice returns a Loop for an already-attached device.
func NewLoopFromDevice(device string) *Loop {
	return &Loop{Device: device, attached: true}
}

// Name returns the kernel name of the device, e.g. loop3.
func (l *Loop) Name() string {
	return filepath.Base(l.Device)
}

// BackingFile returns the kernel-reported backing file of the device, or ""
// when it has none.
func (l *Loop) BackingFile() string {
	l.mu.Lock()
	dev := l.Device
	l.mu.Unlock()

	if dev == "" {
		return ""
	}
	data, err := readFileBytes(filepath.Join(sysBlockPrefix, filepath.Base(dev), "loop", "backing_file"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Attach binds l.Path to the next free loop device with partition scanning
// enabled. On failure after LOOP_SET_FD the device is cleared again.
func (l *Loop) Attach() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.attached {
		return fmt.Errorf("loop attach: already attached to %s", l.Device)
	}

	img, err := openFile(l.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("loop attach: open image %s: %w", l.Path, err)
	}
	defer closeFile(img)

	var lastErr error
	for attempt := 0; attempt < attachAttempts; attempt++ {
		device, err := l.attachFree(img)
		if err == nil {
			l.Device = device
			l.attached = true
			return nil
		}
		lastErr = err
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
	}
	return lastErr
}

func (l *Loop) attachFree(img *os.File) (string, error) {
	ctl, err := openFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("loop attach: open %s: %w", loopControlPath, err)
	}
	devNr, err := ioctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	closeFile(ctl)
	if err != nil {
		return "", fmt.Errorf("loop attach: LOOP_CTL_GET_FREE: %w", err)
	}

	loopPath := fmt.Sprintf("%s/loop%d", devPrefix, devNr)
	loopFile, err := openFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("loop attach: open %s: %w", loopPath, err)
	}
	defer closeFile(loopFile)

	if err := ioctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("loop attach: LOOP_SET_FD on %s: %w", loopPath, err)
	}

	info := unix.LoopInfo64{Flags: unix.LO_FLAGS_PARTSCAN}
	copy(info.File_name[:], l.Path)
	if err := ioctlLoopInfo(int(loopFile.Fd()), &info); err != nil {
		_ = ioctlSetInt(int(loopFile.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("loop attach: LOOP_SET_STATUS64 on %s: %w", loopPath, err)
	}
	return loopPath, nil
}

// Detach clears the device, equivalent to `losetup -d`. Detaching a device
// that is not attached is a no-op.
func (l *Loop) Detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.attached {
		return nil
	}

	f, err := openFile(l.Device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("loop detach: open %s: %w", l.Device, err)
	}
	defer closeFile(f)

	if err := ioctlSetInt(int(f.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		if errors.Is(err, unix.ENXIO) {
			l.attached = false
			return nil
		}
		return fmt.Errorf("loop detach: LOOP_CLR_FD on %s: %w", l.Device, err)
	}

	l.attached = false
	return nil
}

// Attached reports whether l holds a device.
func (l *Loop) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}

// ListLoops returns every loop device that currently has a backing file.
func ListLoops() ([]*Loop, error) {
	entries, err := readDir(sysBlockPrefix)
	if err != nil {
		return nil, fmt.Errorf("list loop devices: %w", err)
	}
	var loops []*Loop
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "loop") {
			continue
		}
		loop := NewLoopFromDevice(filepath.Join(devPrefix, entry.Name()))
		if loop.BackingFile() == "" {
			continue
		}
		loops = append(loops, loop)
	}
	return loops, nil
}
