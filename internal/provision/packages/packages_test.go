package packages

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cochaviz/pimage/internal/arch"
	"github.com/cochaviz/pimage/internal/debpkg/debtest"
	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/runner"
)

type fakeBuilder struct {
	t        *testing.T
	dir      string
	unusable error
	fail     error
	produce  string
	builds   int
}

func (b *fakeBuilder) Available() error { return b.unusable }

func (b *fakeBuilder) Build(_ context.Context, target arch.Architecture) error {
	b.builds++
	if b.fail != nil {
		return b.fail
	}
	produce := b.produce
	if produce == "" {
		produce = target.String()
	}
	debtest.Write(b.t, b.dir, debtest.Daemon(produce))
	return nil
}

func TestResolveArchitectureFidelity(t *testing.T) {
	t.Parallel()

	for _, target := range arch.Supported() {
		project := t.TempDir()
		debianDir := filepath.Join(project, "target", "debian")
		for _, a := range arch.Supported() {
			debtest.Write(t, debianDir, debtest.Daemon(a.String()))
		}

		r := &Resolver{ProjectDir: project}
		ref, err := r.Resolve(context.Background(), target, "")
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", target, err)
		}
		if ref.Architecture != target {
			t.Fatalf("Resolve(%s) returned %s package", target, ref.Architecture)
		}
		if ref.Origin != provision.OriginDiscovered {
			t.Fatalf("Origin = %q", ref.Origin)
		}
	}
}

func TestResolveExplicitMismatchNeverFallsBack(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	debtest.Write(t, filepath.Join(project, "target", "debian"), debtest.Daemon("arm64"))
	explicit := debtest.Write(t, t.TempDir(), debtest.Daemon("armhf"))
	builder := &fakeBuilder{t: t, dir: filepath.Join(project, "target", "debian")}

	r := &Resolver{ProjectDir: project, Builder: builder}
	_, err := r.Resolve(context.Background(), arch.ARM64, explicit)
	if !errors.Is(err, provision.ErrPackageArchMismatch) {
		t.Fatalf("Resolve() error = %v, want PackageArchMismatch", err)
	}
	if builder.builds != 0 {
		t.Fatalf("builder ran after mismatch")
	}
}

func TestResolveExplicitMatch(t *testing.T) {
	t.Parallel()

	explicit := debtest.Write(t, t.TempDir(), debtest.Daemon("aarch64"))
	r := &Resolver{ProjectDir: t.TempDir()}
	ref, err := r.Resolve(context.Background(), arch.ARM64, explicit)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ref.Origin != provision.OriginUserProvided || ref.Path != explicit || ref.Name != "created" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestResolveDiscoveryIsOrderedByName(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	dir := filepath.Join(project, "target", "debian")
	newer := debtest.Daemon("arm64")
	newer.Version = "0.2.0"
	debtest.Write(t, dir, newer)
	debtest.Write(t, dir, debtest.Daemon("arm64"))

	r := &Resolver{ProjectDir: project}
	for i := 0; i < 3; i++ {
		ref, err := r.Resolve(context.Background(), arch.ARM64, "")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if ref.Version != "0.1.0" {
			t.Fatalf("Resolve() picked %s, want first by name", ref.Version)
		}
	}
}

func TestResolvePrefersTripleDirectory(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	tripleDir := filepath.Join(project, "target", arch.ARMHF.Triple(), "debian")
	debtest.Write(t, tripleDir, debtest.Daemon("armhf"))
	generic := debtest.Daemon("armhf")
	generic.Version = "0.0.1"
	debtest.Write(t, filepath.Join(project, "target", "debian"), generic)

	r := &Resolver{ProjectDir: project}
	ref, err := r.Resolve(context.Background(), arch.ARMHF, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if filepath.Dir(ref.Path) != tripleDir {
		t.Fatalf("Resolve() = %s, want package from %s", ref.Path, tripleDir)
	}
}

func TestResolveBuildsWhenNothingFound(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	builder := &fakeBuilder{t: t, dir: filepath.Join(project, "target", "debian")}
	r := &Resolver{ProjectDir: project, Builder: builder}

	ref, err := r.Resolve(context.Background(), arch.ARMHF, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ref.Origin != provision.OriginBuilt || ref.Architecture != arch.ARMHF {
		t.Fatalf("ref = %+v", ref)
	}
	if builder.builds != 1 {
		t.Fatalf("builds = %d", builder.builds)
	}
}

func TestResolveBuildProducesWrongArchitecture(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	builder := &fakeBuilder{t: t, dir: filepath.Join(project, "target", "debian"), produce: "arm64"}
	r := &Resolver{ProjectDir: project, Builder: builder}

	_, err := r.Resolve(context.Background(), arch.ARMHF, "")
	if !errors.Is(err, provision.ErrPackageResolutionFailed) {
		t.Fatalf("Resolve() error = %v, want PackageResolutionFailed", err)
	}
}

func TestResolveBuildFailure(t *testing.T) {
	t.Parallel()

	builder := &fakeBuilder{t: t, dir: t.TempDir(), fail: errors.New("exit status 101")}
	r := &Resolver{ProjectDir: t.TempDir(), Builder: builder}

	_, err := r.Resolve(context.Background(), arch.ARM64, "")
	if !errors.Is(err, provision.ErrPackageBuildFailed) {
		t.Fatalf("Resolve() error = %v, want PackageBuildFailed", err)
	}
}

func TestResolveMissingToolchainHasRemedy(t *testing.T) {
	t.Parallel()

	builder := &fakeBuilder{t: t, dir: t.TempDir(), unusable: errors.New("cargo-deb not found")}
	r := &Resolver{ProjectDir: t.TempDir(), Builder: builder}

	_, err := r.Resolve(context.Background(), arch.ARM64, "")
	if !errors.Is(err, provision.ErrPackageResolutionFailed) {
		t.Fatalf("Resolve() error = %v, want PackageResolutionFailed", err)
	}
	if provision.RemedyOf(err) == "" {
		t.Fatalf("missing remediation text")
	}
	if builder.builds != 0 {
		t.Fatalf("builder ran without toolchain")
	}
}

func TestCargoDebBuilder(t *testing.T) {
	t.Parallel()

	mock := runner.NewMockRunner()
	mock.Paths = map[string]string{"cargo": "/usr/bin/cargo"}
	b := &CargoDebBuilder{ProjectDir: "/src/created", Run: mock.Run, LookPath: mock.LookPath}

	if err := b.Available(); err == nil {
		t.Fatalf("Available() succeeded without cargo-deb")
	}
	mock.Paths["cargo-deb"] = "/home/u/.cargo/bin/cargo-deb"
	if err := b.Available(); err != nil {
		t.Fatalf("Available() error = %v", err)
	}

	if err := b.Build(context.Background(), arch.ARMHF); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"deb", "--manifest-path", "/src/created/Cargo.toml", "--target", "armv7-unknown-linux-gnueabihf"}
	got := mock.Calls[0].Args
	if mock.Calls[0].Name != "cargo" || len(got) != len(want) {
		t.Fatalf("call = %+v", mock.Calls[0])
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}
