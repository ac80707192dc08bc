package provision

import (
	"sync"
	"time"

	"github.com/cochaviz/pimage/internal/arch"
)

// ImageFormat is the container format of a source image, derived from its
// file extension.
type ImageFormat string

const (
	FormatRaw ImageFormat = ".img"
	FormatXZ  ImageFormat = ".img.xz"
	FormatZip ImageFormat = ".zip"
)

// ImageSpec describes a resolved source image. DecompressedPath always refers
// to an uncompressed raw disk image once resolution completes.
type ImageSpec struct {
	SourceLocator    string
	Architecture     arch.Architecture
	DecompressedPath string
	Format           ImageFormat
	// DecompressionSkipped is set when an existing decompressed file was
	// reused instead of extracted again.
	DecompressionSkipped bool
}

// PackageOrigin records how a package was found.
type PackageOrigin string

const (
	OriginUserProvided PackageOrigin = "user-provided"
	OriginDiscovered   PackageOrigin = "discovered"
	OriginBuilt        PackageOrigin = "built"
)

// PackageRef points at a .deb whose Architecture equals the run's target.
type PackageRef struct {
	Path         string            `json:"path"`
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	Architecture arch.Architecture `json:"architecture"`
	Origin       PackageOrigin     `json:"origin"`
}

// releaser runs a release function at most once successfully. A failed
// release may be retried.
type releaser struct {
	mu       sync.Mutex
	fn       func() error
	released bool
}

func (r *releaser) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || r.fn == nil {
		r.released = true
		return nil
	}
	if err := r.fn(); err != nil {
		return err
	}
	r.released = true
	return nil
}

func (r *releaser) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// BlockDeviceHandle is an attached loop device and its partitions ordered by
// partition number.
type BlockDeviceHandle struct {
	DevicePath  string
	BackingFile string
	Partitions  []string

	r releaser
}

// NewBlockDeviceHandle wraps an attached device. release detaches it.
func NewBlockDeviceHandle(devicePath, backingFile string, partitions []string, release func() error) *BlockDeviceHandle {
	return &BlockDeviceHandle{
		DevicePath:  devicePath,
		BackingFile: backingFile,
		Partitions:  partitions,
		r:           releaser{fn: release},
	}
}

// Partition returns the device path of partition n (1-based).
func (h *BlockDeviceHandle) Partition(n int) (string, bool) {
	if h == nil || n < 1 || n > len(h.Partitions) {
		return "", false
	}
	return h.Partitions[n-1], true
}

// Release detaches the device. It is safe to call on a nil handle and more
// than once.
func (h *BlockDeviceHandle) Release() error {
	if h == nil {
		return nil
	}
	return h.r.release()
}

// Released reports whether the device has been detached.
func (h *BlockDeviceHandle) Released() bool {
	if h == nil {
		return true
	}
	return h.r.done()
}

// MountSet holds the boot and root mounts of one BlockDeviceHandle.
type MountSet struct {
	BootMount string
	RootMount string

	r releaser
}

// NewMountSet wraps mounted boot and root trees. release unmounts both.
func NewMountSet(bootMount, rootMount string, release func() error) *MountSet {
	return &MountSet{
		BootMount: bootMount,
		RootMount: rootMount,
		r:         releaser{fn: release},
	}
}

// Release unmounts both trees. It is safe to call on a nil set and more than
// once.
func (m *MountSet) Release() error {
	if m == nil {
		return nil
	}
	return m.r.release()
}

// Released reports whether both trees have been unmounted.
func (m *MountSet) Released() bool {
	if m == nil {
		return true
	}
	return m.r.done()
}

// DaemonProfile names the service shipped by the injected package.
type DaemonProfile struct {
	Unit  string `yaml:"unit"`
	Group string `yaml:"group"`
	// User is the identity forced by the service override.
	User string `yaml:"user"`
	// ConfigPath is relative to the root tree.
	ConfigPath string `yaml:"config_path"`
	// Config is written to ConfigPath when no file exists there.
	Config DaemonConfig `yaml:"config"`
}

// DefaultDaemonProfile returns the profile of the created daemon.
func DefaultDaemonProfile() DaemonProfile {
	return DaemonProfile{
		Unit:       "created.service",
		Group:      "dialout",
		User:       "root",
		ConfigPath: "etc/created/config.toml",
		Config:     DefaultDaemonConfig(),
	}
}

// DaemonConfig is the configuration file read by the provisioned daemon.
type DaemonConfig struct {
	IntervalMS int64         `toml:"interval_ms" yaml:"interval_ms"`
	Message    string        `toml:"message" yaml:"message"`
	Serial     *SerialConfig `toml:"serial,omitempty" yaml:"serial,omitempty"`
}

// SerialConfig selects the serial device the daemon writes to.
type SerialConfig struct {
	Path string `toml:"path" yaml:"path"`
	Baud int    `toml:"baud,omitempty" yaml:"baud,omitempty"`
}

// DefaultDaemonConfig matches the daemon's built-in defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		IntervalMS: 5000,
		Message:    "hello world",
	}
}

// CustomizationRequest is the fully specified input of the image mutator.
type CustomizationRequest struct {
	Hostname    string
	Username    string
	Password    string
	WiFiSSID    string
	WiFiPSK     string
	WiFiCountry string
	Package     PackageRef
	Daemon      DaemonProfile
}

// WiFiEnabled reports whether both WiFi credentials were supplied.
func (r CustomizationRequest) WiFiEnabled() bool {
	return r.WiFiSSID != "" && r.WiFiPSK != ""
}

// Request is the input of one pipeline run.
type Request struct {
	Architecture arch.Architecture
	// ImagePath and ImageURL are mutually substitutable; ImagePath wins when
	// both are set.
	ImagePath   string
	ImageURL    string
	OutputDir   string
	PackagePath string

	Hostname    string
	Username    string
	Password    string
	WiFiSSID    string
	WiFiPSK     string
	WiFiCountry string

	Daemon DaemonProfile
}

// Locator returns the image source the run should resolve.
func (r *Request) Locator() string {
	if r.ImagePath != "" {
		return r.ImagePath
	}
	return r.ImageURL
}

// PipelineResult is returned by a successful run.
type PipelineResult struct {
	RunID           string
	OutputImagePath string
	Image           ImageSpec
	Package         PackageRef
}

// RunStatus is the terminal state of a recorded run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Record is the persisted summary of one run.
type Record struct {
	ID              string            `json:"id"`
	Status          RunStatus         `json:"status"`
	Architecture    arch.Architecture `json:"architecture"`
	Source          string            `json:"source"`
	OutputImagePath string            `json:"output_image_path,omitempty"`
	Package         *PackageRef       `json:"package,omitempty"`
	Hostname        string            `json:"hostname"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	ErrorCode       ErrorCode         `json:"error_code,omitempty"`
	Error           string            `json:"error,omitempty"`
}
