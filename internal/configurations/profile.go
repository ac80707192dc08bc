package simple

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/cochaviz/pimage/internal/arch"
	"github.com/cochaviz/pimage/internal/provision"
	"github.com/cochaviz/pimage/internal/provision/source"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither a profile nor a flag sets a value.
const (
	DefaultOutputDir   = "build"
	DefaultHostname    = "psyche"
	DefaultUsername    = "pi"
	DefaultPassword    = "raspberry"
	DefaultWiFiCountry = "US"
	DefaultProjectDir  = "."
)

// WiFiProfile holds optional wireless credentials.
type WiFiProfile struct {
	SSID    string `yaml:"ssid"`
	PSK     string `yaml:"psk"`
	Country string `yaml:"country"`
}

// Profile is the layered configuration of a build. Flags override values
// loaded from a YAML file, which override DefaultProfile.
type Profile struct {
	Architecture string `yaml:"architecture"`
	Image        string `yaml:"image"`
	URL          string `yaml:"url"`
	OutputDir    string `yaml:"output_dir"`

	Hostname string      `yaml:"hostname"`
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	WiFi     WiFiProfile `yaml:"wifi"`

	Package    string `yaml:"package"`
	ProjectDir string `yaml:"project_dir"`
	NoBuild    bool   `yaml:"no_build"`

	// RetryMax is handed to the download client. Zero disables retries.
	RetryMax     int    `yaml:"retry_max"`
	ImagePattern string `yaml:"image_pattern"`
	RequireRoot  bool   `yaml:"require_root"`

	Daemon provision.DaemonProfile `yaml:"daemon"`
}

// DefaultProfile returns the built-in configuration.
func DefaultProfile() Profile {
	return Profile{
		Architecture: arch.Default.String(),
		OutputDir:    DefaultOutputDir,
		Hostname:     DefaultHostname,
		Username:     DefaultUsername,
		Password:     DefaultPassword,
		WiFi:         WiFiProfile{Country: DefaultWiFiCountry},
		ProjectDir:   DefaultProjectDir,
		ImagePattern: source.DefaultImagePattern,
		RequireRoot:  true,
		Daemon:       provision.DefaultDaemonProfile(),
	}
}

// LoadProfile reads a YAML profile from path on top of DefaultProfile. An
// empty path returns the defaults.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if strings.TrimSpace(path) == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, provision.Errorf(provision.CodeInvalidRequest, err, "read profile %s", path)
	}
	if err := DecodeProfile(bytes.NewReader(data), &profile); err != nil {
		return profile, provision.Errorf(provision.CodeInvalidRequest, err, "parse profile %s", path)
	}
	return profile, nil
}

// DecodeProfile overlays the YAML document in r onto profile. Unknown keys
// are rejected.
func DecodeProfile(r io.Reader, profile *Profile) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(profile); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Request converts the profile into a pipeline request.
func (p Profile) Request() *provision.Request {
	target := arch.Normalize(p.Architecture)
	if target == "" {
		target = arch.Architecture(p.Architecture)
	}
	daemon := p.Daemon
	if daemon.Unit == "" {
		daemon = provision.DefaultDaemonProfile()
	}
	return &provision.Request{
		Architecture: target,
		ImagePath:    p.Image,
		ImageURL:     p.URL,
		OutputDir:    p.OutputDir,
		PackagePath:  p.Package,
		Hostname:     p.Hostname,
		Username:     p.Username,
		Password:     p.Password,
		WiFiSSID:     p.WiFi.SSID,
		WiFiPSK:      p.WiFi.PSK,
		WiFiCountry:  p.WiFi.Country,
		Daemon:       daemon,
	}
}

// Target returns the validated target architecture.
func (p Profile) Target() (arch.Architecture, error) {
	target, err := arch.Parse(p.Architecture)
	if err != nil {
		return "", provision.Errorf(provision.CodeInvalidArchitecture, err, "unsupported architecture %q", p.Architecture).
			WithRemedy("use --arch %s", strings.Join(archNames(), " or --arch "))
	}
	return target, nil
}

func archNames() []string {
	var names []string
	for _, a := range arch.Supported() {
		names = append(names, a.String())
	}
	return names
}
