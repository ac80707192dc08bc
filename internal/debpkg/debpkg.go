// Package debpkg reads Debian binary packages without dpkg: the control
// metadata and the filesystem payload.
package debpkg

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	// ErrMemberMissing is returned when the archive lacks a required member.
	ErrMemberMissing = errors.New("member not found in package")
	// ErrUnsupportedCompression is returned for member suffixes we cannot
	// decompress.
	ErrUnsupportedCompression = errors.New("unsupported member compression")
)

// Control holds the fields of the package's control file.
type Control struct {
	Package      string
	Version      string
	Architecture string
	Fields       map[string]string
}

// Archive is a .deb on disk.
type Archive struct {
	Path string
}

// Open checks that path is readable and returns an Archive for it.
func Open(path string) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &Archive{Path: path}, nil
}

// ReadControl is a shorthand for Open followed by Control.
func ReadControl(path string) (Control, error) {
	archive, err := Open(path)
	if err != nil {
		return Control{}, err
	}
	return archive.Control()
}

// Control parses the control file out of control.tar.*.
func (a *Archive) Control() (Control, error) {
	var control Control
	found := false
	err := a.withMember("control.tar", func(r io.Reader) error {
		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if path.Clean(hdr.Name) != "control" {
				continue
			}
			control, err = ParseControl(tr)
			if err != nil {
				return err
			}
			found = true
			return nil
		}
	})
	if err != nil {
		return Control{}, fmt.Errorf("read control of %s: %w", a.Path, err)
	}
	if !found {
		return Control{}, fmt.Errorf("read control of %s: control file: %w", a.Path, ErrMemberMissing)
	}
	return control, nil
}

// WalkData calls fn for every entry of data.tar.* in archive order.
func (a *Archive) WalkData(fn func(hdr *tar.Header, r io.Reader) error) error {
	return a.withMember("data.tar", func(r io.Reader) error {
		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := fn(hdr, tr); err != nil {
				return err
			}
		}
	})
}

// withMember finds the first ar member whose name starts with prefix and
// passes its decompressed stream to fn.
func (a *Archive) withMember(prefix string, fn func(io.Reader) error) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := ar.NewReader(f)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return fmt.Errorf("%s.*: %w", prefix, ErrMemberMissing)
		}
		if err != nil {
			return fmt.Errorf("read ar header: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		stream, closer, err := decompress(name, io.LimitReader(reader, header.Size))
		if err != nil {
			return err
		}
		defer closer()
		return fn(stream)
	}
}

func decompress(name string, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("open %s: %w", name, err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("open %s: %w", name, err)
		}
		return xr, noop, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("open %s: %w", name, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".bz2"):
		return bzip2.NewReader(r), noop, nil
	case strings.HasSuffix(name, ".tar"):
		return r, noop, nil
	default:
		return nil, noop, fmt.Errorf("%s: %w", name, ErrUnsupportedCompression)
	}
}

// ParseControl parses a deb822 control paragraph. Continuation lines are
// folded into the preceding field.
func ParseControl(r io.Reader) (Control, error) {
	control := Control{Fields: map[string]string{}}
	scanner := bufio.NewScanner(r)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if len(control.Fields) > 0 {
				break
			}
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				return Control{}, fmt.Errorf("continuation line without field: %q", line)
			}
			control.Fields[last] += "\n" + strings.TrimSpace(line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Control{}, fmt.Errorf("malformed control line: %q", line)
		}
		last = strings.TrimSpace(key)
		control.Fields[last] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return Control{}, err
	}

	control.Package = control.Fields["Package"]
	control.Version = control.Fields["Version"]
	control.Architecture = control.Fields["Architecture"]
	if control.Architecture == "" {
		return Control{}, errors.New("control file has no Architecture field")
	}
	return control, nil
}
