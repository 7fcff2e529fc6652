package syncproto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PairingManifest is the out-of-band device pairing record written to
// disk (conventionally device.yaml) during challenge-response pairing:
// a shared secret and the identity it attests to, exchanged by
// whatever out-of-band channel the deployment chooses (QR code, local
// file copy, USB) before the first handshake.
type PairingManifest struct {
	UserID       string `yaml:"user_id"`
	DeviceID     string `yaml:"device_id"`
	DeviceType   string `yaml:"device_type"`
	SharedSecret string `yaml:"shared_secret"`
}

// LoadPairingManifest reads and parses a pairing manifest from path.
func LoadPairingManifest(path string) (PairingManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PairingManifest{}, fmt.Errorf("syncproto: read pairing manifest: %w", err)
	}
	var manifest PairingManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return PairingManifest{}, fmt.Errorf("syncproto: parse pairing manifest: %w", err)
	}
	if manifest.UserID == "" || manifest.DeviceID == "" || manifest.SharedSecret == "" {
		return PairingManifest{}, fmt.Errorf("syncproto: pairing manifest missing required fields")
	}
	return manifest, nil
}

// WritePairingManifest serializes manifest to path with owner-only
// permissions, since SharedSecret is a bearer secret. Nothing in this
// module rotates or clears it after a handshake.
func WritePairingManifest(path string, manifest PairingManifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("syncproto: marshal pairing manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
