package mutate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/pimage/internal/debpkg/debtest"
	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/runner"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
)

const testHash = "$6$saltsalt$c2VjcmV0MTIz"

type staticHasher struct {
	hash     string
	err      error
	password string
}

func (h *staticHasher) Hash(_ context.Context, password string) (string, error) {
	h.password = password
	return h.hash, h.err
}

func newTrees(t *testing.T) *provision.MountSet {
	t.Helper()
	dir := t.TempDir()
	boot := filepath.Join(dir, "boot")
	root := filepath.Join(dir, "root")
	for _, d := range []string{boot, filepath.Join(root, "etc")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
	hosts := "127.0.0.1\tlocalhost\n::1\t\tlocalhost ip6-localhost\n127.0.1.1\t\traspberrypi\n"
	if err := os.WriteFile(filepath.Join(root, "etc", "hosts"), []byte(hosts), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return provision.NewMountSet(boot, root, func() error { return nil })
}

func newRequest(t *testing.T) provision.CustomizationRequest {
	t.Helper()
	pkg := debtest.Write(t, t.TempDir(), debtest.Daemon("arm64"))
	return provision.CustomizationRequest{
		Hostname: "psyche",
		Username: "pi",
		Password: "secret123",
		Package: provision.PackageRef{
			Path:         pkg,
			Name:         "created",
			Version:      "0.1.0",
			Architecture: "arm64",
			Origin:       provision.OriginUserProvided,
		},
		Daemon: provision.DefaultDaemonProfile(),
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func TestApplyCustomizesBothTrees(t *testing.T) {
	mounts := newTrees(t)
	hasher := &staticHasher{hash: testHash}
	m := &Mutator{Hasher: hasher}

	if err := m.Apply(context.Background(), mounts, newRequest(t)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if info, err := os.Stat(filepath.Join(mounts.BootMount, "ssh")); err != nil || info.Size() != 0 {
		t.Fatalf("ssh marker missing or not empty: %v", err)
	}
	if got := readFile(t, filepath.Join(mounts.RootMount, "etc", "hostname")); got != "psyche\n" {
		t.Fatalf("hostname = %q, want %q", got, "psyche\n")
	}
	hosts := readFile(t, filepath.Join(mounts.RootMount, "etc", "hosts"))
	if !strings.Contains(hosts, "127.0.1.1\tpsyche\n") || strings.Contains(hosts, "raspberrypi") {
		t.Fatalf("hosts not patched:\n%s", hosts)
	}
	if !strings.Contains(hosts, "127.0.0.1\tlocalhost\n") {
		t.Fatalf("hosts lost unrelated entries:\n%s", hosts)
	}
	if got := readFile(t, filepath.Join(mounts.BootMount, "userconf.txt")); got != "pi:"+testHash+"\n" {
		t.Fatalf("userconf.txt = %q", got)
	}
	if hasher.password != "secret123" {
		t.Fatalf("hasher got password %q", hasher.password)
	}
	if _, err := os.Stat(filepath.Join(mounts.BootMount, "wpa_supplicant.conf")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("wpa_supplicant.conf written without wifi credentials")
	}
	if _, err := os.Stat(filepath.Join(mounts.RootMount, "usr", "bin", "created")); err != nil {
		t.Fatalf("package binary not installed: %v", err)
	}
}

func TestApplyEnablesService(t *testing.T) {
	mounts := newTrees(t)
	m := &Mutator{Hasher: &staticHasher{hash: testHash}}

	if err := m.Apply(context.Background(), mounts, newRequest(t)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	link := filepath.Join(mounts.RootMount, "etc", "systemd", "system", "multi-user.target.wants", "created.service")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "/lib/systemd/system/created.service" {
		t.Fatalf("link target = %q", target)
	}

	override := readFile(t, filepath.Join(mounts.RootMount, "etc", "systemd", "system", "created.service.d", "override.conf"))
	for _, want := range []string{"[Service]", "User=root", "SupplementaryGroups=dialout"} {
		if !strings.Contains(override, want) {
			t.Fatalf("override.conf missing %q:\n%s", want, override)
		}
	}
}

func TestApplyWritesDefaultConfig(t *testing.T) {
	mounts := newTrees(t)
	m := &Mutator{Hasher: &staticHasher{hash: testHash}}

	if err := m.Apply(context.Background(), mounts, newRequest(t)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	var got provision.DaemonConfig
	if _, err := toml.DecodeFile(filepath.Join(mounts.RootMount, "etc", "created", "config.toml"), &got); err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if diff := cmp.Diff(provision.DefaultDaemonConfig(), got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyKeepsExistingConfig(t *testing.T) {
	mounts := newTrees(t)
	existing := filepath.Join(mounts.RootMount, "etc", "created", "config.toml")
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(existing, []byte("message = \"mine\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := &Mutator{Hasher: &staticHasher{hash: testHash}}
	if err := m.Apply(context.Background(), mounts, newRequest(t)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := readFile(t, existing); got != "message = \"mine\"\n" {
		t.Fatalf("existing config overwritten: %q", got)
	}
}

func TestConfigureWiFi(t *testing.T) {
	tests := []struct {
		name    string
		ssid    string
		psk     string
		country string
		want    string
	}{
		{name: "ssid only", ssid: "lonely"},
		{name: "psk only", psk: "p@ss word"},
		{
			name: "both",
			ssid: "Home Net",
			psk:  "p@ss word",
			want: "ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\nupdate_config=1\ncountry=US\n\nnetwork={\n\tssid=\"Home Net\"\n\tpsk=\"p@ss word\"\n}\n",
		},
		{
			name:    "country",
			ssid:    "lab",
			psk:     "hunter22",
			country: "NL",
			want:    "ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\nupdate_config=1\ncountry=NL\n\nnetwork={\n\tssid=\"lab\"\n\tpsk=\"hunter22\"\n}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mounts := newTrees(t)
			m := &Mutator{}
			request := provision.CustomizationRequest{WiFiSSID: tt.ssid, WiFiPSK: tt.psk, WiFiCountry: tt.country}
			if err := m.configureWiFi(context.Background(), mounts, request); err != nil {
				t.Fatalf("configureWiFi() error = %v", err)
			}

			path := filepath.Join(mounts.BootMount, "wpa_supplicant.conf")
			data, err := os.ReadFile(path)
			if tt.want == "" {
				if !errors.Is(err, os.ErrNotExist) {
					t.Fatalf("wpa_supplicant.conf should not exist, err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, string(data)); diff != "" {
				t.Fatalf("wpa_supplicant.conf mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetHostnameToleratesMissingHosts(t *testing.T) {
	mounts := newTrees(t)
	if err := os.Remove(filepath.Join(mounts.RootMount, "etc", "hosts")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	m := &Mutator{}
	if err := m.setHostname(context.Background(), mounts, provision.CustomizationRequest{Hostname: "psyche"}); err != nil {
		t.Fatalf("setHostname() error = %v", err)
	}
	if got := readFile(t, filepath.Join(mounts.RootMount, "etc", "hostname")); got != "psyche\n" {
		t.Fatalf("hostname = %q", got)
	}
}

func TestSetHostnameKeepsLongHostsLines(t *testing.T) {
	mounts := newTrees(t)
	long := "10.0.0.1\t" + strings.Repeat("a", 70<<10)
	hosts := long + "\n127.0.1.1\traspberrypi\n"
	if err := os.WriteFile(filepath.Join(mounts.RootMount, "etc", "hosts"), []byte(hosts), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := &Mutator{}
	if err := m.setHostname(context.Background(), mounts, provision.CustomizationRequest{Hostname: "psyche"}); err != nil {
		t.Fatalf("setHostname() error = %v", err)
	}
	want := long + "\n127.0.1.1\tpsyche\n"
	if got := readFile(t, filepath.Join(mounts.RootMount, "etc", "hosts")); got != want {
		t.Fatalf("hosts truncated: got %d bytes, want %d", len(got), len(want))
	}
}

func TestPatchHosts(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{name: "empty", in: "", want: "", changed: false},
		{name: "no trailing newline", in: "127.0.1.1 raspberrypi", want: "127.0.1.1\tpsyche\n", changed: true},
		{name: "untouched", in: "127.0.0.1 localhost\n", want: "127.0.0.1 localhost\n", changed: false},
		{name: "keeps blank lines", in: "# hosts\n\n127.0.1.1\tpi\n", want: "# hosts\n\n127.0.1.1\tpsyche\n", changed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := patchHosts([]byte(tc.in), "psyche")
			if diff := cmp.Diff(tc.want, string(got)); diff != "" {
				t.Fatalf("patchHosts() mismatch (-want +got):\n%s", diff)
			}
			if changed != tc.changed {
				t.Fatalf("patchHosts() changed = %v, want %v", changed, tc.changed)
			}
		})
	}
}

func TestEnableServiceMissingUnit(t *testing.T) {
	mounts := newTrees(t)
	m := &Mutator{}
	err := m.enableService(context.Background(), mounts, provision.CustomizationRequest{Daemon: provision.DefaultDaemonProfile()})
	if !errors.Is(err, provision.ErrWriteFailed) {
		t.Fatalf("enableService() error = %v, want WriteFailed", err)
	}
}

func TestApplyStopsWhenInterrupted(t *testing.T) {
	mounts := newTrees(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &Mutator{Hasher: &staticHasher{hash: testHash}}
	err := m.Apply(ctx, mounts, newRequest(t))
	if !errors.Is(err, provision.ErrInterrupted) {
		t.Fatalf("Apply() error = %v, want Interrupted", err)
	}
	if _, err := os.Stat(filepath.Join(mounts.BootMount, "ssh")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("steps ran after cancellation")
	}
}

func TestApplyPackageFailure(t *testing.T) {
	mounts := newTrees(t)
	request := newRequest(t)
	request.Package.Path = filepath.Join(t.TempDir(), "missing.deb")

	m := &Mutator{Hasher: &staticHasher{hash: testHash}}
	err := m.Apply(context.Background(), mounts, request)
	if !errors.Is(err, provision.ErrExtractionFailed) {
		t.Fatalf("Apply() error = %v, want ExtractionFailed", err)
	}
	if got := provision.ExitCode(err); got != 9 {
		t.Fatalf("ExitCode() = %d, want 9", got)
	}
}

func TestOpenSSLHasherUsesStdin(t *testing.T) {
	mock := runner.NewMockRunnerWithOutput(map[int][]byte{0: []byte(testHash + "\n")})
	h := &OpenSSLHasher{Run: mock.Run, LookPath: mock.LookPath}

	got, err := h.Hash(context.Background(), "secret123")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != testHash {
		t.Fatalf("Hash() = %q, want %q", got, testHash)
	}
	want := []runner.MockRunnerCall{{Name: "openssl", Args: []string{"passwd", "-6", "-stdin"}, Stdin: "secret123\n"}}
	if diff := cmp.Diff(want, mock.Calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenSSLHasherUnavailable(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Paths = map[string]string{}
	h := &OpenSSLHasher{Run: mock.Run, LookPath: mock.LookPath}

	_, err := h.Hash(context.Background(), "secret123")
	if !errors.Is(err, provision.ErrHashingUnavailable) {
		t.Fatalf("Hash() error = %v, want HashingUnavailable", err)
	}
	if provision.RemedyOf(err) == "" {
		t.Fatalf("expected a remedy")
	}
	if len(mock.Calls) != 0 {
		t.Fatalf("openssl invoked although missing")
	}
}

func TestOpenSSLHasherRejectsOtherFormats(t *testing.T) {
	mock := runner.NewMockRunnerWithOutput(map[int][]byte{0: []byte("$1$abc$def\n")})
	h := &OpenSSLHasher{Run: mock.Run, LookPath: mock.LookPath}

	if _, err := h.Hash(context.Background(), "secret123"); !errors.Is(err, provision.ErrHashingUnavailable) {
		t.Fatalf("Hash() error = %v, want HashingUnavailable", err)
	}
}

func TestOpenSSLHasherRejectsMultipleLines(t *testing.T) {
	mock := runner.NewMockRunnerWithOutput(map[int][]byte{0: []byte(testHash + "\n" + testHash + "\n")})
	h := &OpenSSLHasher{Run: mock.Run, LookPath: mock.LookPath}

	if _, err := h.Hash(context.Background(), "secret123"); !errors.Is(err, provision.ErrHashingUnavailable) {
		t.Fatalf("Hash() error = %v, want HashingUnavailable", err)
	}
}

func TestOpenSSLHasherRejectsLineBreaks(t *testing.T) {
	mock := runner.NewMockRunnerWithOutput(map[int][]byte{0: []byte(testHash + "\n")})
	h := &OpenSSLHasher{Run: mock.Run, LookPath: mock.LookPath}

	_, err := h.Hash(context.Background(), "secret\nhunter2")
	if !errors.Is(err, provision.ErrInvalidRequest) {
		t.Fatalf("Hash() error = %v, want InvalidRequest", err)
	}
	if len(mock.Calls) != 0 {
		t.Fatalf("openssl invoked with a multi-line password")
	}
}

func TestOpenSSLHasherVerifies(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	h := &OpenSSLHasher{}

	hash, err := h.Hash(context.Background(), "secret123")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	parts := strings.Split(hash, "$")
	if len(parts) != 4 || parts[1] != "6" {
		t.Fatalf("unexpected hash %q", hash)
	}

	out, err := exec.Command("openssl", "passwd", "-6", "-salt", parts[2], "secret123").Output()
	if err != nil {
		t.Fatalf("openssl passwd error = %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != hash {
		t.Fatalf("rehash = %q, want %q", got, hash)
	}
}
