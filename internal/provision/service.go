package provision

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service sequences one image customization run and owns the release of
// every OS resource it acquires.
type Service struct {
	Logger     *slog.Logger
	Workspaces WorkspacePreparer
	Preflight  HostChecker
	Sources    SourceResolver
	Packages   PackageResolver
	Devices    DeviceBinder
	Mounts     MountManager
	Mutator    ImageMutator
	Records    RecordRepository

	Now   func() time.Time
	NewID func() string
}

// Run executes the pipeline. Loop devices and mounts acquired during the run
// are released on every return path, before the error is returned.
func (s *Service) Run(ctx context.Context, request *Request) (result PipelineResult, err error) {
	if err := s.validate(); err != nil {
		return PipelineResult{}, err
	}
	if err := ValidateRequest(request); err != nil {
		return PipelineResult{}, err
	}

	runID := s.newID()
	logger := s.logger().With("run", runID, "architecture", request.Architecture.String())

	ws, err := s.Workspaces.Prepare(request.OutputDir)
	if err != nil {
		return PipelineResult{}, err
	}

	record := Record{
		ID:           runID,
		Architecture: request.Architecture,
		Source:       request.Locator(),
		Hostname:     request.Hostname,
		StartedAt:    s.now(),
	}
	defer func() {
		s.saveRecord(logger, ws, &record, err)
	}()

	cleanup := NewCleanupStack(logger)
	defer func() {
		err = cleanup.Cleanup(err)
		if err != nil {
			err = asInterrupted(ctx, err)
			result = PipelineResult{}
		}
	}()

	logger.Info("starting image build", "source", request.Locator(), "output_dir", ws.OutputDir)

	if s.Preflight != nil {
		if err := s.Preflight.Check(ctx); err != nil {
			return result, err
		}
	}

	image, err := s.Sources.Resolve(ctx, ws, request.Locator(), request.Architecture)
	if err != nil {
		return result, err
	}
	logger.Info("image resolved",
		"path", image.DecompressedPath,
		"format", string(image.Format),
		"decompression_skipped", image.DecompressionSkipped,
	)
	if err := interrupted(ctx, "package resolution"); err != nil {
		return result, err
	}

	pkg, err := s.Packages.Resolve(ctx, request.Architecture, request.PackagePath)
	if err != nil {
		return result, err
	}
	record.Package = &pkg
	logger.Info("package resolved", "path", pkg.Path, "origin", string(pkg.Origin), "version", pkg.Version)
	if err := interrupted(ctx, "staging"); err != nil {
		return result, err
	}

	outputPath, err := s.Sources.Stage(ctx, ws, image)
	if err != nil {
		return result, err
	}
	record.OutputImagePath = outputPath
	logger.Info("working copy staged", "path", outputPath)
	if err := interrupted(ctx, "device binding"); err != nil {
		return result, err
	}

	device, err := s.Devices.Bind(ctx, outputPath)
	if err != nil {
		return result, err
	}
	var mounts *MountSet
	cleanup.Push("loop device "+device.DevicePath, func() error {
		if !mounts.Released() {
			return Errorf(CodeDetachFailed, nil, "%s left attached because its partitions are still mounted", device.DevicePath).
				WithRemedy("run `pimage cleanup --output-dir %s`", ws.OutputDir)
		}
		return device.Release()
	})
	logger.Info("image attached", "device", device.DevicePath, "partitions", len(device.Partitions))
	if err := interrupted(ctx, "mounting"); err != nil {
		return result, err
	}

	mounts, err = s.Mounts.Mount(ctx, device, ws)
	if err != nil {
		return result, err
	}
	cleanup.Push("mounts of "+device.DevicePath, mounts.Release)
	logger.Info("partitions mounted", "boot", mounts.BootMount, "root", mounts.RootMount)
	if err := interrupted(ctx, "customization"); err != nil {
		return result, err
	}

	customization := CustomizationRequest{
		Hostname:    request.Hostname,
		Username:    request.Username,
		Password:    request.Password,
		WiFiSSID:    request.WiFiSSID,
		WiFiPSK:     request.WiFiPSK,
		WiFiCountry: request.WiFiCountry,
		Package:     pkg,
		Daemon:      request.Daemon,
	}
	if customization.Daemon.Unit == "" {
		customization.Daemon = DefaultDaemonProfile()
	}
	if err := s.Mutator.Apply(ctx, mounts, customization); err != nil {
		return result, err
	}

	if err := cleanup.Cleanup(nil); err != nil {
		return result, err
	}

	result = PipelineResult{
		RunID:           runID,
		OutputImagePath: outputPath,
		Image:           image,
		Package:         pkg,
	}
	logger.Info("image ready", "path", outputPath)
	return result, nil
}

// ValidateRequest checks the user-facing input of a run.
func ValidateRequest(request *Request) error {
	if request == nil {
		return Errorf(CodeInvalidRequest, nil, "request is nil")
	}
	if !request.Architecture.IsValid() {
		return Errorf(CodeInvalidArchitecture, nil, "unsupported architecture %q", request.Architecture).
			WithRemedy("use --arch arm64 or --arch armhf")
	}
	if strings.TrimSpace(request.Locator()) == "" {
		return Errorf(CodeMissingSource, nil, "no image source given").
			WithRemedy("pass --image <path> or --url <url>")
	}
	if !validHostname(request.Hostname) {
		return Errorf(CodeInvalidRequest, nil, "invalid hostname %q", request.Hostname).
			WithRemedy("use letters, digits and hyphens, not starting or ending with a hyphen")
	}
	if request.Username == "" || strings.ContainsAny(request.Username, ": \t\n") {
		return Errorf(CodeInvalidRequest, nil, "invalid username %q", request.Username)
	}
	if request.Password == "" {
		return Errorf(CodeInvalidRequest, nil, "password is empty")
	}
	if strings.ContainsAny(request.Password, "\r\n") {
		return Errorf(CodeInvalidRequest, nil, "password must not contain line breaks").
			WithRemedy("choose a password on a single line")
	}
	if strings.ContainsAny(request.WiFiSSID+request.WiFiPSK, "\"\n") {
		return Errorf(CodeInvalidRequest, nil, "wifi credentials must not contain quotes or newlines")
	}
	return nil
}

func validHostname(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

func asInterrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, ErrInterrupted) {
		return err
	}
	return Errorf(CodeInterrupted, err, "run interrupted")
}

func (s *Service) saveRecord(logger *slog.Logger, ws Workspace, record *Record, runErr error) {
	if s.Records == nil {
		return
	}
	record.FinishedAt = s.now()
	record.Status = RunSucceeded
	if runErr != nil {
		record.Status = RunFailed
		record.Error = runErr.Error()
		if perr, ok := AsError(runErr); ok {
			record.ErrorCode = perr.Code
		}
		if record.OutputImagePath != "" {
			logger.Warn("output image is incomplete", "path", record.OutputImagePath)
		}
	}
	if err := s.Records.Save(ws, *record); err != nil {
		logger.Warn("failed to save build record", "error", err)
	}
}

func (s *Service) validate() error {
	switch {
	case s.Workspaces == nil:
		return errors.New("workspace preparer is not configured")
	case s.Sources == nil:
		return errors.New("source resolver is not configured")
	case s.Packages == nil:
		return errors.New("package resolver is not configured")
	case s.Devices == nil:
		return errors.New("device binder is not configured")
	case s.Mounts == nil:
		return errors.New("mount manager is not configured")
	case s.Mutator == nil:
		return errors.New("image mutator is not configured")
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.New().String()
}
