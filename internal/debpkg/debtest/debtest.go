// Package debtest builds small .deb fixtures for tests.
package debtest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Entry is a data.tar member.
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte
	Linkname string
}

// Package describes a fixture.
type Package struct {
	Name         string
	Version      string
	Architecture string
	// Compression of data.tar: "gz" (default), "xz", "zst" or "none".
	Compression string
	Entries     []Entry
}

// Daemon returns a package laid out like the created daemon's .deb.
func Daemon(architecture string) Package {
	return Package{
		Name:         "created",
		Version:      "0.1.0",
		Architecture: architecture,
		Entries: []Entry{
			{Name: "./usr/", Type: tar.TypeDir},
			{Name: "./usr/bin/", Type: tar.TypeDir},
			{Name: "./usr/bin/created", Body: "#!/bin/sh\nexit 0\n", Mode: 0o755},
			{Name: "./lib/systemd/system/", Type: tar.TypeDir},
			{Name: "./lib/systemd/system/created.service", Body: "[Unit]\nDescription=created\n\n[Service]\nExecStart=/usr/bin/created\n\n[Install]\nWantedBy=multi-user.target\n"},
			{Name: "./etc/udev/rules.d/", Type: tar.TypeDir},
			{Name: "./etc/udev/rules.d/99-created.rules", Body: "SUBSYSTEM==\"tty\", GROUP=\"dialout\"\n"},
		},
	}
}

// Write stores the fixture as dir/<name>_<version>_<arch>.deb.
func Write(tb testing.TB, dir string, pkg Package) string {
	tb.Helper()
	data, err := Bytes(pkg)
	if err != nil {
		tb.Fatalf("build deb fixture: %v", err)
	}
	name := fmt.Sprintf("%s_%s_%s.deb", pkg.Name, pkg.Version, pkg.Architecture)
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create fixture dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write deb fixture: %v", err)
	}
	return path
}

// Bytes renders the fixture as an ar archive.
func Bytes(pkg Package) ([]byte, error) {
	control := fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nMaintainer: Test <test@example.com>\nDescription: fixture\n long description\n",
		pkg.Name, pkg.Version, pkg.Architecture)
	controlTar, err := tarball([]Entry{{Name: "./control", Body: control, Mode: 0o644}})
	if err != nil {
		return nil, err
	}
	controlGz, err := compress("gz", controlTar)
	if err != nil {
		return nil, err
	}

	dataTar, err := tarball(pkg.Entries)
	if err != nil {
		return nil, err
	}
	compression := pkg.Compression
	if compression == "" {
		compression = "gz"
	}
	data, err := compress(compression, dataTar)
	if err != nil {
		return nil, err
	}
	dataName := "data.tar"
	if compression != "none" {
		dataName += "." + compression
	}

	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	if err := w.WriteGlobalHeader(); err != nil {
		return nil, err
	}
	members := []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", controlGz},
		{dataName, data},
	}
	for _, member := range members {
		hdr := &ar.Header{
			Name:    member.name,
			ModTime: time.Unix(1700000000, 0),
			Mode:    0o644,
			Size:    int64(len(member.body)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := w.Write(member.body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func tarball(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		typ := entry.Type
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := entry.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     entry.Name,
			Typeflag: typ,
			Mode:     mode,
			Linkname: entry.Linkname,
			ModTime:  time.Unix(1700000000, 0),
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(entry.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if typ == tar.TypeReg {
			if _, err := io.WriteString(tw, entry.Body); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compress(kind string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch kind {
	case "none":
		return data, nil
	case "gz":
		w = gzip.NewWriter(&buf)
	case "xz":
		w, err = xz.NewWriter(&buf)
	case "zst":
		w, err = zstd.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unknown compression %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
