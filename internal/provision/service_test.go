package provision

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/pimage/internal/arch"
)

type fakeHost struct {
	mu       sync.Mutex
	attached map[string]bool
	mounted  map[string]bool
	events   []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{attached: map[string]bool{}, mounted: map[string]bool{}}
}

func (h *fakeHost) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

type stubSources struct {
	resolveErr error
	staged     string
}

func (s *stubSources) Resolve(_ context.Context, ws Workspace, locator string, target arch.Architecture) (ImageSpec, error) {
	if s.resolveErr != nil {
		return ImageSpec{}, s.resolveErr
	}
	return ImageSpec{
		SourceLocator:    locator,
		Architecture:     target,
		DecompressedPath: filepath.Join(ws.TmpDir, "base.img"),
		Format:           FormatRaw,
	}, nil
}

func (s *stubSources) Stage(_ context.Context, ws Workspace, spec ImageSpec) (string, error) {
	s.staged = filepath.Join(ws.ImageDir, OutputImageName(spec.DecompressedPath, spec.Architecture))
	return s.staged, nil
}

type stubPackages struct {
	err error
}

func (s stubPackages) Resolve(_ context.Context, target arch.Architecture, explicit string) (PackageRef, error) {
	if s.err != nil {
		return PackageRef{}, s.err
	}
	return PackageRef{Path: "/pkgs/created.deb", Architecture: target, Origin: OriginDiscovered}, nil
}

type fakeBinder struct {
	host *fakeHost
	err  error
}

func (b fakeBinder) Bind(_ context.Context, imagePath string) (*BlockDeviceHandle, error) {
	if b.err != nil {
		return nil, b.err
	}
	dev := "/dev/loop7"
	b.host.mu.Lock()
	b.host.attached[dev] = true
	b.host.mu.Unlock()
	b.host.record("attach")
	return NewBlockDeviceHandle(dev, imagePath, []string{dev + "p1", dev + "p2"}, func() error {
		b.host.mu.Lock()
		defer b.host.mu.Unlock()
		if len(b.host.mounted) > 0 {
			return errors.New("device busy")
		}
		delete(b.host.attached, dev)
		b.host.events = append(b.host.events, "detach")
		return nil
	}), nil
}

type fakeMounter struct {
	host *fakeHost
	err  error
}

func (m fakeMounter) Mount(_ context.Context, device *BlockDeviceHandle, ws Workspace) (*MountSet, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.host.mu.Lock()
	m.host.mounted[ws.RootMount] = true
	m.host.mounted[ws.BootMount] = true
	m.host.mu.Unlock()
	m.host.record("mount")
	return NewMountSet(ws.BootMount, ws.RootMount, func() error {
		m.host.mu.Lock()
		defer m.host.mu.Unlock()
		delete(m.host.mounted, ws.RootMount)
		delete(m.host.mounted, ws.BootMount)
		m.host.events = append(m.host.events, "unmount")
		return nil
	}), nil
}

type fakeMutator struct {
	host   *fakeHost
	err    error
	cancel context.CancelFunc
	got    CustomizationRequest
}

func (m *fakeMutator) Apply(ctx context.Context, _ *MountSet, request CustomizationRequest) error {
	m.got = request
	m.host.record("mutate")
	if m.cancel != nil {
		m.cancel()
		return ctx.Err()
	}
	return m.err
}

type memoryRecords struct {
	saved []Record
}

func (r *memoryRecords) Save(_ Workspace, record Record) error {
	r.saved = append(r.saved, record)
	return nil
}

type harness struct {
	host    *fakeHost
	service *Service
	mutator *fakeMutator
	records *memoryRecords
	sources *stubSources
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	host := newFakeHost()
	mutator := &fakeMutator{host: host}
	records := &memoryRecords{}
	sources := &stubSources{}
	return &harness{
		host:    host,
		mutator: mutator,
		records: records,
		sources: sources,
		service: &Service{
			Workspaces: &LocalWorkspacePreparer{},
			Sources:    sources,
			Packages:   stubPackages{},
			Devices:    fakeBinder{host: host},
			Mounts:     fakeMounter{host: host},
			Mutator:    mutator,
			Records:    records,
			Now:        func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
			NewID:      func() string { return "run-1" },
		},
	}
}

func validRequest(t *testing.T) *Request {
	t.Helper()
	return &Request{
		Architecture: arch.ARM64,
		ImagePath:    "/images/raspios.img",
		OutputDir:    t.TempDir(),
		Hostname:     "testhost",
		Username:     "alice",
		Password:     "secret123",
	}
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	if len(h.host.mounted) != 0 {
		t.Fatalf("mounts still present after run: %v", h.host.mounted)
	}
	if len(h.host.attached) != 0 {
		t.Fatalf("devices still attached after run: %v", h.host.attached)
	}
}

func TestServiceRunSuccess(t *testing.T) {
	h := newHarness(t)
	request := validRequest(t)

	result, err := h.service.Run(context.Background(), request)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	h.assertReleased(t)

	want := filepath.Join(request.OutputDir, "output", "base-arm64.img")
	if result.OutputImagePath != want {
		t.Fatalf("OutputImagePath = %q, want %q", result.OutputImagePath, want)
	}
	if result.Package.Architecture != arch.ARM64 {
		t.Fatalf("package architecture = %q", result.Package.Architecture)
	}
	if h.mutator.got.Daemon.Unit != "created.service" {
		t.Fatalf("daemon profile not defaulted: %+v", h.mutator.got.Daemon)
	}

	wantEvents := []string{"attach", "mount", "mutate", "unmount", "detach"}
	if len(h.host.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", h.host.events, wantEvents)
	}
	for i := range wantEvents {
		if h.host.events[i] != wantEvents[i] {
			t.Fatalf("events = %v, want %v", h.host.events, wantEvents)
		}
	}

	if len(h.records.saved) != 1 || h.records.saved[0].Status != RunSucceeded {
		t.Fatalf("records = %+v", h.records.saved)
	}
}

func TestServiceReleasesOnMountFailure(t *testing.T) {
	h := newHarness(t)
	h.service.Mounts = fakeMounter{host: h.host, err: Errorf(CodeMountFailed, nil, "mount partition 1 (boot)")}

	_, err := h.service.Run(context.Background(), validRequest(t))
	if !errors.Is(err, ErrMountFailed) {
		t.Fatalf("Run() error = %v, want MountFailed", err)
	}
	h.assertReleased(t)
	if h.records.saved[0].Status != RunFailed || h.records.saved[0].ErrorCode != CodeMountFailed {
		t.Fatalf("record = %+v", h.records.saved[0])
	}
}

func TestServiceReleasesOnMutationFailure(t *testing.T) {
	h := newHarness(t)
	h.mutator.err = Errorf(CodeHashingUnavailable, nil, "openssl not found")

	_, err := h.service.Run(context.Background(), validRequest(t))
	if !errors.Is(err, ErrHashingUnavailable) {
		t.Fatalf("Run() error = %v, want HashingUnavailable", err)
	}
	if ExitCode(err) != 7 {
		t.Fatalf("ExitCode() = %d, want 7", ExitCode(err))
	}
	h.assertReleased(t)
}

func TestServiceReleasesOnInterrupt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mutator.cancel = cancel

	_, err := h.service.Run(ctx, validRequest(t))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want Interrupted", err)
	}
	if ExitCode(err) != ExitInterrupted {
		t.Fatalf("ExitCode() = %d", ExitCode(err))
	}
	h.assertReleased(t)
}

func TestServiceStopsBeforeBindingWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.service.Run(ctx, validRequest(t))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want Interrupted", err)
	}
	if len(h.host.events) != 0 {
		t.Fatalf("events = %v, want none", h.host.events)
	}
}

func TestServiceSourceFailureSkipsDevices(t *testing.T) {
	h := newHarness(t)
	h.sources.resolveErr = Errorf(CodeUnsupportedFormat, nil, "unsupported image format")

	_, err := h.service.Run(context.Background(), validRequest(t))
	if ExitCode(err) != 3 {
		t.Fatalf("ExitCode() = %d, want 3 (err %v)", ExitCode(err), err)
	}
	if len(h.host.events) != 0 {
		t.Fatalf("events = %v, want none", h.host.events)
	}
}

func TestServiceJoinsReleaseErrors(t *testing.T) {
	h := newHarness(t)
	h.service.Mounts = leakyMounter{host: h.host}

	_, err := h.service.Run(context.Background(), validRequest(t))
	if err == nil {
		t.Fatalf("Run() succeeded with a failing release")
	}
	if ExitCode(err) != 8 {
		t.Fatalf("ExitCode() = %d, want 8 (err %v)", ExitCode(err), err)
	}
	if !errors.Is(err, ErrDetachFailed) {
		t.Fatalf("Run() error = %v, want DetachFailed for the skipped device", err)
	}
	if remedy := RemedyOf(err); !strings.Contains(remedy, "pimage cleanup") {
		t.Fatalf("remedy = %q", remedy)
	}
	for _, event := range h.host.events {
		if event == "detach" {
			t.Fatalf("device detached while a partition was still mounted: %v", h.host.events)
		}
	}
	if !h.host.attached["/dev/loop7"] {
		t.Fatalf("device not left attached for cleanup")
	}
}

type leakyMounter struct {
	host *fakeHost
}

func (m leakyMounter) Mount(_ context.Context, _ *BlockDeviceHandle, ws Workspace) (*MountSet, error) {
	m.host.mu.Lock()
	m.host.mounted[ws.RootMount] = true
	m.host.mu.Unlock()
	return NewMountSet(ws.BootMount, ws.RootMount, func() error {
		return Errorf(CodeUnmountFailed, nil, "unmount %s", ws.RootMount)
	}), nil
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	base := Request{
		Architecture: arch.ARM64,
		ImageURL:     "https://example.com/raspios.img.xz",
		OutputDir:    "build",
		Hostname:     "psyche",
		Username:     "pi",
		Password:     "raspberry",
	}

	cases := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "ssid only", mutate: func(r *Request) { r.WiFiSSID = "home" }},
		{name: "missing source", mutate: func(r *Request) { r.ImageURL = "" }, want: ErrMissingSource},
		{name: "bad arch", mutate: func(r *Request) { r.Architecture = "x86_64" }, want: ErrInvalidArchitecture},
		{name: "bad hostname", mutate: func(r *Request) { r.Hostname = "-pi" }, want: ErrInvalidRequest},
		{name: "colon username", mutate: func(r *Request) { r.Username = "a:b" }, want: ErrInvalidRequest},
		{name: "multiline password", mutate: func(r *Request) { r.Password = "secret\nroot" }, want: ErrInvalidRequest},
		{name: "carriage return password", mutate: func(r *Request) { r.Password = "secret\r" }, want: ErrInvalidRequest},
		{name: "quoted ssid", mutate: func(r *Request) { r.WiFiSSID = `a"b`; r.WiFiPSK = "x" }, want: ErrInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := base
			tc.mutate(&request)
			err := ValidateRequest(&request)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("ValidateRequest() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("ValidateRequest() error = %v, want %v", err, tc.want)
			}
		})
	}
}
