package provision

import (
	"context"
	"log/slog"
	"os"

	"github.com/cochaviz/pimage/internal/runner"
)

// Tool is a host program the pipeline depends on.
type Tool struct {
	Name string
	// Code is raised when the program is absent. Defaults to ToolMissing.
	Code   ErrorCode
	Remedy string
}

// DefaultTools lists the host programs a build run invokes.
func DefaultTools() []Tool {
	return []Tool{
		{Name: "mount", Remedy: "install util-linux (apt install mount)"},
		{Name: "openssl", Code: CodeHashingUnavailable, Remedy: "install openssl (apt install openssl)"},
	}
}

// HostPreflight checks for host programs and privileges before any work is
// done.
type HostPreflight struct {
	Logger      *slog.Logger
	Tools       []Tool
	RequireRoot bool
	LookPath    runner.LookPathFunc
	Geteuid     func() int
}

// Check implements HostChecker.
func (p *HostPreflight) Check(ctx context.Context) error {
	if err := interrupted(ctx, "preflight"); err != nil {
		return err
	}

	lookPath := p.LookPath
	if lookPath == nil {
		lookPath = runner.LookPath
	}
	for _, tool := range p.Tools {
		path, err := lookPath(tool.Name)
		if err != nil {
			code := tool.Code
			if code == "" {
				code = CodeToolMissing
			}
			perr := Errorf(code, err, "required host tool %q not found", tool.Name)
			if tool.Remedy != "" {
				perr.WithRemedy("%s", tool.Remedy)
			}
			return perr
		}
		p.logger().Debug("found host tool", "tool", tool.Name, "path", path)
	}

	if p.RequireRoot {
		geteuid := p.Geteuid
		if geteuid == nil {
			geteuid = os.Geteuid
		}
		if geteuid() != 0 {
			return Errorf(CodeToolMissing, nil, "loop devices and mounts require root privileges").
				WithRemedy("re-run with sudo")
		}
	}
	return nil
}

func (p *HostPreflight) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
