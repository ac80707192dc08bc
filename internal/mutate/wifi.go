package mutate

import (
	"bytes"
	"context"
	"text/template"

	"github.com/cochaviz/pimage/internal/provision"
)

const defaultWiFiCountry = "US"

var supplicantTemplate = template.Must(template.New("wpa_supplicant.conf").Parse(
	`ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev
update_config=1
country={{ .Country }}

network={
	ssid="{{ .SSID }}"
	psk="{{ .PSK }}"
}
`))

// configureWiFi writes wpa_supplicant.conf to the boot tree. It is a no-op
// unless both SSID and PSK are set.
func (m *Mutator) configureWiFi(_ context.Context, mounts *provision.MountSet, request provision.CustomizationRequest) error {
	if !request.WiFiEnabled() {
		if request.WiFiSSID != "" || request.WiFiPSK != "" {
			m.logger().Warn("wifi needs both SSID and PSK, skipping")
		}
		return nil
	}

	country := request.WiFiCountry
	if country == "" {
		country = defaultWiFiCountry
	}

	var buf bytes.Buffer
	err := supplicantTemplate.Execute(&buf, struct {
		Country string
		SSID    string
		PSK     string
	}{country, request.WiFiSSID, request.WiFiPSK})
	if err != nil {
		return provision.Errorf(provision.CodeWriteFailed, err, "render wpa_supplicant.conf")
	}
	return writeTreeFile(mounts.BootMount, "wpa_supplicant.conf", buf.Bytes(), 0o600)
}
