package syncproto

import (
	"path/filepath"
	"testing"
)

func TestWritePairingManifestThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	manifest := PairingManifest{
		UserID:       "user-1",
		DeviceID:     "device-1",
		DeviceType:   "laptop",
		SharedSecret: "correct-horse-battery-staple",
	}

	if err := WritePairingManifest(path, manifest); err != nil {
		t.Fatalf("WritePairingManifest returned error: %v", err)
	}

	loaded, err := LoadPairingManifest(path)
	if err != nil {
		t.Fatalf("LoadPairingManifest returned error: %v", err)
	}
	if loaded != manifest {
		t.Fatalf("expected loaded manifest to equal written manifest, got %+v", loaded)
	}
}

func TestLoadPairingManifestRejectsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := WritePairingManifest(path, PairingManifest{UserID: "user-1"}); err != nil {
		t.Fatalf("WritePairingManifest returned error: %v", err)
	}

	if _, err := LoadPairingManifest(path); err == nil {
		t.Fatalf("expected error for manifest missing device_id/shared_secret")
	}
}

func TestLoadPairingManifestRejectsMissingFile(t *testing.T) {
	if _, err := LoadPairingManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
