package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	config "github.com/cochaviz/pimage/internal/configurations"
	"github.com/cochaviz/pimage/internal/logging"
	"github.com/cochaviz/pimage/internal/provision"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	handler := logging.NewSwitchable(logging.NewCLIHandler(os.Stderr, &levelVar))
	logger := slog.New(handler.Handler())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, handler, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		code := provision.ExitCode(err)
		if code == provision.ExitInterrupted {
			logger.Warn("command interrupted", "error", err)
		} else {
			logger.Error("command failed", "error", err)
		}
		if remedy := provision.RemedyOf(err); remedy != "" {
			logger.Info("to fix this, " + remedy)
		}
		stop()
		os.Exit(code)
	}
}

func newRootCommand(logger *slog.Logger, handler *logging.Switchable, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = "text"
	)

	root := &cobra.Command{
		Use:           "pimage",
		Short:         "Provision Raspberry Pi OS images with a packaged daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Set log format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return provision.Errorf(provision.CodeInvalidRequest, err, "invalid --log-level")
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return provision.Errorf(provision.CodeInvalidRequest, err, "invalid --log-format")
		}
		levelVar.Set(level)
		handler.Set(logging.New(mode, os.Stderr, levelVar).Handler())
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger),
		newPackageCommand(logger),
		newCleanupCommand(logger),
		newListCommand(logger),
	)
	return root
}

// profileFlags binds the flags shared by build and package. Only flags the
// user set override the loaded profile.
type profileFlags struct {
	configPath string
	values     config.Profile
}

func (f *profileFlags) bind(cmd *cobra.Command, withImage bool) {
	defaults := config.DefaultProfile()
	flags := cmd.Flags()

	flags.StringVar(&f.configPath, "config", "", "Path to a YAML profile")
	flags.StringVar(&f.values.Architecture, "arch", defaults.Architecture, "Target architecture (arm64, armhf)")
	flags.StringVar(&f.values.Package, "package", "", "Use this .deb instead of discovering or building one")
	flags.StringVar(&f.values.ProjectDir, "project-dir", defaults.ProjectDir, "Root of the daemon's source tree")
	flags.BoolVar(&f.values.NoBuild, "no-build", false, "Never build the package, only discover it")

	if !withImage {
		return
	}
	flags.StringVar(&f.values.Image, "image", "", "Local image (.img, .img.xz, .zip) or file:// URL")
	flags.StringVar(&f.values.URL, "url", "", "Remote image URL")
	flags.StringVar(&f.values.OutputDir, "output-dir", defaults.OutputDir, "Directory for scratch files and the output image")
	flags.StringVar(&f.values.Hostname, "hostname", defaults.Hostname, "Hostname of the provisioned device")
	flags.StringVar(&f.values.Username, "username", defaults.Username, "Login user")
	flags.StringVar(&f.values.Password, "password", defaults.Password, "Login password")
	flags.StringVar(&f.values.WiFi.SSID, "wifi-ssid", "", "WiFi network name")
	flags.StringVar(&f.values.WiFi.PSK, "wifi-psk", "", "WiFi passphrase")
	flags.StringVar(&f.values.WiFi.Country, "wifi-country", defaults.WiFi.Country, "WiFi regulatory country code")
	flags.IntVar(&f.values.RetryMax, "retry", defaults.RetryMax, "Download retries")
}

func (f *profileFlags) resolve(cmd *cobra.Command) (config.Profile, error) {
	profile, err := config.LoadProfile(f.configPath)
	if err != nil {
		return profile, err
	}

	overrides := map[string]func(){
		"arch":         func() { profile.Architecture = f.values.Architecture },
		"package":      func() { profile.Package = f.values.Package },
		"project-dir":  func() { profile.ProjectDir = f.values.ProjectDir },
		"no-build":     func() { profile.NoBuild = f.values.NoBuild },
		"image":        func() { profile.Image = f.values.Image },
		"url":          func() { profile.URL = f.values.URL },
		"output-dir":   func() { profile.OutputDir = f.values.OutputDir },
		"hostname":     func() { profile.Hostname = f.values.Hostname },
		"username":     func() { profile.Username = f.values.Username },
		"password":     func() { profile.Password = f.values.Password },
		"wifi-ssid":    func() { profile.WiFi.SSID = f.values.WiFi.SSID },
		"wifi-psk":     func() { profile.WiFi.PSK = f.values.WiFi.PSK },
		"wifi-country": func() { profile.WiFi.Country = f.values.WiFi.Country },
		"retry":        func() { profile.RetryMax = f.values.RetryMax },
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		if apply, ok := overrides[flag.Name]; ok {
			apply()
		}
	})
	return profile, nil
}

func newBuildCommand(logger *slog.Logger) *cobra.Command {
	var flags profileFlags

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Customize a board image and install the daemon package into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "build")
			cmdLogger.Info("starting build",
				"arch", profile.Architecture,
				"output_dir", profile.OutputDir,
				"hostname", profile.Hostname,
			)

			result, err := config.Build(cmd.Context(), profile, cmdLogger)
			if err != nil {
				return err
			}

			cmdLogger.Info("build completed", "run", result.RunID, "package", result.Package.Path)
			fmt.Fprintln(cmd.OutOrStdout(), result.OutputImagePath)
			return nil
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func newPackageCommand(logger *slog.Logger) *cobra.Command {
	var flags profileFlags

	cmd := &cobra.Command{
		Use:   "package",
		Args:  cobra.NoArgs,
		Short: "Resolve (and if needed build) the daemon package for an architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			ref, err := config.Package(cmd.Context(), profile, logger.With("command", "package"))
			if err != nil {
				return err
			}
			logger.Info("package resolved", "origin", ref.Origin, "version", ref.Version)
			fmt.Fprintln(cmd.OutOrStdout(), ref.Path)
			return nil
		},
	}
	flags.bind(cmd, false)
	return cmd
}

func newCleanupCommand(logger *slog.Logger) *cobra.Command {
	outputDir := config.DefaultOutputDir

	cmd := &cobra.Command{
		Use:   "cleanup",
		Args:  cobra.NoArgs,
		Short: "Unmount and detach resources left behind by an aborted build",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "cleanup", "output_dir", outputDir)
			report, err := config.Cleanup(outputDir, cmdLogger)
			if len(report.Unmounted) == 0 && len(report.Detached) == 0 && err == nil {
				cmdLogger.Info("nothing to clean up")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", outputDir, "Output directory of the aborted build")
	return cmd
}

func newListCommand(logger *slog.Logger) *cobra.Command {
	outputDir := config.DefaultOutputDir

	cmd := &cobra.Command{
		Use:   "list [run-id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List build records, or show one in full",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				record, err := config.Show(outputDir, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(record)
			}

			records, err := config.List(outputDir)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				logger.Warn("no build records", "output_dir", outputDir)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tARCH\tSTARTED\tRESULT")
			for _, record := range records {
				result := record.OutputImagePath
				if record.Status == provision.RunFailed {
					result = strings.TrimSpace(fmt.Sprintf("%s %s", record.ErrorCode, record.Error))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					record.ID, record.Status, record.Architecture,
					record.StartedAt.Local().Format("2006-01-02 15:04:05"), result)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", outputDir, "Output directory holding the records")
	return cmd
}
