package mutate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/runner"
)

const loopbackAlias = "127.0.1.1"

func (m *Mutator) setHostname(_ context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	if err := writeTreeFile(mounts.RootMount, "etc/hostname", []byte(request.Hostname+"\n"), 0o644); err != nil {
		return err
	}

	hostsPath, err := inTree(mounts.RootMount, "etc/hosts")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(hostsPath)
	if notExist(err) {
		m.logger().Warn("no /etc/hosts in image, skipping loopback alias")
		return nil
	}
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "read etc/hosts")
	}

	patched, changed := patchHosts(data, request.Hostname)
	if !changed {
		m.logger().Debug("no loopback alias line in /etc/hosts")
		return nil
	}
	info, err := os.Stat(hostsPath)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "stat etc/hosts")
	}
	if err := os.WriteFile(hostsPath, patched, info.Mode().Perm()); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "write etc/hosts")
	}
	return nil
}

// patchHosts rewrites every 127.0.1.1 entry to point at hostname.
func patchHosts(data []byte, hostname string) ([]byte, bool) {
	var out bytes.Buffer
	changed := false
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		fields := bytes.Fields(line)
		if len(fields) > 0 && string(fields[0]) == loopbackAlias {
			line = []byte(loopbackAlias + "\t" + hostname)
			changed = true
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes(), changed
}

func (m *Mutator) provisionUser(ctx context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	hasher := m.Hasher
	if hasher == nil {
		hasher = &OpenSSLHasher{}
	}
	hash, err := hasher.Hash(ctx, request.Password)
	if err != nil {
		return err
	}
	record := fmt.Sprintf("%s:%s\n", request.Username, hash)
	return writeTreeFile(mounts.BootMount, "userconf.txt", []byte(record), 0o600)
}

// Hasher produces a salted one-way password hash in crypt(3) format.
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

// OpenSSLHasher computes SHA-512 crypt hashes with `openssl passwd -6`.
type OpenSSLHasher struct {
	Run      runner.Func
	LookPath runner.LookPathFunc
}

// Hash implements Hasher. The password is passed on stdin, never argv.
func (h *OpenSSLHasher) Hash(ctx context.Context, password string) (string, error) {
	lookPath := h.LookPath
	if lookPath == nil {
		lookPath = runner.LookPath
	}
	if _, err := lookPath("openssl"); err != nil {
		return "", provision.Errorf(provision.CodeHashingUnavailable, err, "openssl is required to hash the password").
			WithRemedy("install openssl (apt install openssl)")
	}

	// openssl reads one password per line from stdin.
	if strings.ContainsAny(password, "\r\n") {
		return "", provision.Errorf(provision.CodeInvalidRequest, nil, "password must not contain line breaks")
	}
	out, err := runner.Output(ctx, h.Run, strings.NewReader(password+"\n"), "openssl", "passwd", "-6", "-stdin")
	if err != nil {
		return "", provision.Errorf(provision.CodeHashingUnavailable, err, "hash password with openssl").
			WithRemedy("openssl 1.1.1 or newer is required for SHA-512 crypt")
	}
	hash := strings.TrimSpace(string(out))
	if !strings.HasPrefix(hash, "$6$") || strings.ContainsAny(hash, "\r\n:") {
		return "", provision.Errorf(provision.CodeHashingUnavailable, nil, "openssl returned an unexpected hash format").
			WithRemedy("openssl 1.1.1 or newer is required for SHA-512 crypt")
	}
	return hash, nil
}
