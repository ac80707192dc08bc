package debpkg

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// ExtractStats counts what ExtractData wrote.
type ExtractStats struct {
	Dirs     int
	Files    int
	Symlinks int
	Links    int
	Skipped  int
}

// ExtractData unpacks data.tar.* below root. Every path is resolved inside
// root, following symlinks already present there (so a merged /usr layout
// is honoured) without ever escaping it. Ownership is applied only when
// running as root.
func (a *Archive) ExtractData(root string) (ExtractStats, error) {
	var stats ExtractStats
	chown := os.Geteuid() == 0

	err := a.WalkData(func(hdr *tar.Header, r io.Reader) error {
		name := path.Clean("/" + hdr.Name)
		if name == "/" {
			return nil
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			target, err := securejoin.SecureJoin(root, name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return err
			}
			stats.Dirs++
			return applyOwnership(target, hdr, chown)
		case tar.TypeReg:
			target, err := leafPath(root, name)
			if err != nil {
				return err
			}
			if err := writeFile(target, hdr, r); err != nil {
				return err
			}
			stats.Files++
			return applyOwnership(target, hdr, chown)
		case tar.TypeSymlink:
			target, err := leafPath(root, name)
			if err != nil {
				return err
			}
			if err := replaceable(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
			stats.Symlinks++
			return applyOwnership(target, hdr, chown)
		case tar.TypeLink:
			target, err := leafPath(root, name)
			if err != nil {
				return err
			}
			source, err := securejoin.SecureJoin(root, path.Clean("/"+hdr.Linkname))
			if err != nil {
				return err
			}
			if err := replaceable(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return err
			}
			stats.Links++
			return nil
		default:
			stats.Skipped++
			return nil
		}
	})
	if err != nil {
		return stats, fmt.Errorf("extract %s into %s: %w", a.Path, root, err)
	}
	return stats, nil
}

// leafPath resolves the parent of name inside root and creates it. The final
// component is not resolved so that an existing symlink there is replaced
// rather than followed.
func leafPath(root, name string) (string, error) {
	parent, err := securejoin.SecureJoin(root, path.Dir(name))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(name)), nil
}

// replaceable removes a non-directory at target.
func replaceable(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: refusing to replace a directory", target)
	}
	return os.Remove(target)
}

func writeFile(target string, hdr *tar.Header, r io.Reader) error {
	if err := replaceable(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode(hdr))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// The umask applied at creation may have cleared bits.
	if err := os.Chmod(target, fileMode(hdr)); err != nil {
		return err
	}
	if !hdr.ModTime.IsZero() {
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func applyOwnership(target string, hdr *tar.Header, chown bool) error {
	if !chown {
		return nil
	}
	return os.Lchown(target, hdr.Uid, hdr.Gid)
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := hdr.FileInfo().Mode()
	return mode.Perm() | mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky)
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		return 0o755
	}
	return mode
}
