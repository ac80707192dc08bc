package provision

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Workspace holds every path a run touches. It is derived from the output
// directory and passed to each component explicitly.
type Workspace struct {
	OutputDir string
	TmpDir    string
	BootMount string
	RootMount string
	ImageDir  string
	RecordDir string
}

// NewWorkspace lays out the directories below outputDir.
func NewWorkspace(outputDir string) Workspace {
	return Workspace{
		OutputDir: outputDir,
		TmpDir:    filepath.Join(outputDir, "tmp"),
		BootMount: filepath.Join(outputDir, "mnt", "boot"),
		RootMount: filepath.Join(outputDir, "mnt", "root"),
		ImageDir:  filepath.Join(outputDir, "output"),
		RecordDir: filepath.Join(outputDir, "records"),
	}
}

// ScratchMounts returns the mount scratch paths.
func (w Workspace) ScratchMounts() []string {
	return []string{w.BootMount, w.RootMount}
}

// LocalWorkspacePreparer creates the workspace directories on the local
// filesystem.
type LocalWorkspacePreparer struct {
	Logger *slog.Logger
	// IsMountpoint reports whether a path is currently a mount point. When
	// nil the check is skipped.
	IsMountpoint func(path string) (bool, error)
}

// Prepare creates the workspace below outputDir and refuses scratch mount
// paths that are already mounted.
func (p *LocalWorkspacePreparer) Prepare(outputDir string) (Workspace, error) {
	if outputDir == "" {
		return Workspace{}, Errorf(CodeInvalidRequest, nil, "output directory is empty")
	}
	absolute, err := filepath.Abs(outputDir)
	if err != nil {
		return Workspace{}, Errorf(CodeInvalidRequest, err, "resolve output directory %q", outputDir)
	}
	ws := NewWorkspace(absolute)

	for _, dir := range []string{ws.TmpDir, ws.BootMount, ws.RootMount, ws.ImageDir, ws.RecordDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Workspace{}, Errorf(CodeWriteFailed, err, "create workspace directory %s", dir)
		}
	}

	if p.IsMountpoint != nil {
		for _, path := range ws.ScratchMounts() {
			mounted, err := p.IsMountpoint(path)
			if err != nil {
				return Workspace{}, Errorf(CodeMountFailed, err, "inspect scratch path %s", path)
			}
			if mounted {
				return Workspace{}, Errorf(CodeMountFailed, nil, "scratch path %s is already a mount point", path).
					WithRemedy("run `pimage cleanup --output-dir %s` or unmount it manually", outputDir)
			}
		}
	}

	p.logger().Debug("workspace prepared", "output_dir", ws.OutputDir)
	return ws, nil
}

func (p *LocalWorkspacePreparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// OutputImageName returns the final artifact name for an image and target.
func OutputImageName(decompressedPath string, target fmt.Stringer) string {
	base := filepath.Base(decompressedPath)
	base = trimImageExt(base)
	return fmt.Sprintf("%s-%s.img", base, target)
}

func trimImageExt(name string) string {
	ext := filepath.Ext(name)
	if ext == ".img" || ext == ".IMG" {
		return name[:len(name)-len(ext)]
	}
	return name
}
