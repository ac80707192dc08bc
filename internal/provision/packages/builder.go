package packages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/pimage/internal/arch"
	"github.com/cochaviz/pimage/internal/runner"
)

// CargoDebBuilder builds the daemon package with `cargo deb`.
type CargoDebBuilder struct {
	Logger     *slog.Logger
	ProjectDir string
	Run        runner.Func
	LookPath   runner.LookPathFunc
	// Output receives the build's stdout and stderr. Defaults to os.Stderr.
	Output io.Writer
}

// Available implements Builder.
func (b *CargoDebBuilder) Available() error {
	lookPath := b.LookPath
	if lookPath == nil {
		lookPath = runner.LookPath
	}
	if _, err := lookPath("cargo"); err != nil {
		return fmt.Errorf("cargo not found: %w", err)
	}
	if _, err := lookPath("cargo-deb"); err != nil {
		return fmt.Errorf("cargo-deb not found: %w", err)
	}
	return nil
}

// Build implements Builder.
func (b *CargoDebBuilder) Build(ctx context.Context, target arch.Architecture) error {
	run := b.Run
	if run == nil {
		run = runner.Run
	}
	output := b.Output
	if output == nil {
		output = os.Stderr
	}
	args := []string{"deb", "--manifest-path", filepath.Join(b.projectDir(), "Cargo.toml"), "--target", target.Triple()}
	b.logger().Info("running package build", "command", "cargo", "args", args)
	return run(ctx, nil, output, output, "cargo", args...)
}

func (b *CargoDebBuilder) projectDir() string {
	if b.ProjectDir == "" {
		return "."
	}
	return b.ProjectDir
}

func (b *CargoDebBuilder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
