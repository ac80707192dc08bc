package mutate

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/pimage/internal/debpkg"
	"github.com/cochaviz/pimage/internal/provision"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-systemd/v22/unit"
)

const defaultWantedBy = "multi-user.target"

// unitDirs are searched in order for the packaged unit file.
var unitDirs = []string{
	"lib/systemd/system",
	"usr/lib/systemd/system",
	"etc/systemd/system",
}

func (m *Mutator) installPackage(_ context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	archive, err := debpkg.Open(request.Package.Path)
	if err != nil {
		return provision.Errorf(provision.CodeExtractionFailed, err, "open package %s", request.Package.Path)
	}
	stats, err := archive.ExtractData(mounts.RootMount)
	if err != nil {
		return provision.Errorf(provision.CodeExtractionFailed, err, "extract package %s", request.Package.Path)
	}
	m.logger().Info("package installed",
		"package", request.Package.Name,
		"version", request.Package.Version,
		"files", stats.Files,
		"symlinks", stats.Symlinks,
		"skipped", stats.Skipped,
	)
	return nil
}

// enableService links the packaged unit into its install target and forces
// the identity the daemon runs as with a drop-in.
func (m *Mutator) enableService(_ context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	profile := request.Daemon
	root := mounts.RootMount

	unitRel, unitPath, err := findUnit(root, profile.Unit)
	if err != nil {
		return err
	}

	targets, err := wantedBy(unitPath)
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "parse unit %s", profile.Unit)
	}
	for _, target := range targets {
		link := path.Join("etc/systemd/system", target+".wants", profile.Unit)
		if err := symlinkInTree(root, link, "/"+unitRel); err != nil {
			return err
		}
		m.logger().Debug("service enabled", "unit", profile.Unit, "target", target)
	}

	override, err := io.ReadAll(unit.Serialize([]*unit.UnitOption{
		unit.NewUnitOption("Service", "User", profile.User),
		unit.NewUnitOption("Service", "SupplementaryGroups", profile.Group),
	}))
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "render override for %s", profile.Unit)
	}
	overrideRel := path.Join("etc/systemd/system", profile.Unit+".d", "override.conf")
	return writeTreeFile(root, overrideRel, override, 0o644)
}

// findUnit returns the in-image relative path and resolved host path of
// the named unit.
func findUnit(root, name string) (string, string, error) {
	for _, dir := range unitDirs {
		rel := path.Join(dir, name)
		resolved, err := inTree(root, rel)
		if err != nil {
			return "", "", err
		}
		if info, err := os.Stat(resolved); err == nil && info.Mode().IsRegular() {
			return rel, resolved, nil
		}
	}
	return "", "", provision.Errorf(provision.CodeWriteFailed, nil, "unit %s not found in image", name).
		WithRemedy("make sure the package installs %s under /lib/systemd/system", name)
}

func wantedBy(unitPath string) ([]string, error) {
	f, err := os.Open(unitPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	options, err := unit.DeserializeOptions(f)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, opt := range options {
		if opt.Section == "Install" && opt.Name == "WantedBy" {
			targets = append(targets, strings.Fields(opt.Value)...)
		}
	}
	if len(targets) == 0 {
		targets = []string{defaultWantedBy}
	}
	return targets, nil
}

// symlinkInTree replaces rel inside root with a symlink to target.
func symlinkInTree(root, rel, target string) error {
	parent, err := inTree(root, path.Dir(rel))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create %s", path.Dir(rel))
	}
	link := filepath.Join(parent, path.Base(rel))
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return provision.Errorf(provision.CodeWriteFailed, err, "replace %s", rel)
	}
	if err := os.Symlink(target, link); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "link %s", rel)
	}
	return nil
}

// writeDefaultConfig seeds the daemon configuration unless the package or
// the image already ships one.
func (m *Mutator) writeDefaultConfig(_ context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	profile := request.Daemon
	target, err := inTree(mounts.RootMount, profile.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		m.logger().Info("keeping existing daemon config", "path", profile.ConfigPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create parent of %s", profile.ConfigPath)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "create %s", profile.ConfigPath)
	}
	encodeErr := toml.NewEncoder(f).Encode(profile.Config)
	if err := errors.Join(encodeErr, f.Close()); err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "write %s", profile.ConfigPath)
	}
	return nil
}
