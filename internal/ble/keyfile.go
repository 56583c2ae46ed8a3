package ble

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	blecrypto "github.com/chaz8081/podlink/internal/ble/crypto"
)

type keyFile struct {
	Device string `yaml:"device"`
	LTK    string `yaml:"ltk"`
}

// SaveKey writes a pairing result to path, readable only by the owner.
func SaveKey(path string, r *PairResult) error {
	data, err := yaml.Marshal(keyFile{Device: r.Device, LTK: hex.EncodeToString(r.LTK)})
	if err != nil {
		return fmt.Errorf("ble: marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ble: create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("ble: write key file: %w", err)
	}
	return nil
}

// LoadKey reads a pairing result written by SaveKey.
func LoadKey(path string) (*PairResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ble: read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("ble: parse key file: %w", err)
	}
	ltk, err := hex.DecodeString(kf.LTK)
	if err != nil {
		return nil, fmt.Errorf("ble: decode ltk: %w", err)
	}
	if len(ltk) != blecrypto.KeySize {
		return nil, fmt.Errorf("ble: ltk must be %d bytes, got %d", blecrypto.KeySize, len(ltk))
	}
	if kf.Device == "" {
		return nil, fmt.Errorf("ble: key file %s has no device", path)
	}
	return &PairResult{Device: kf.Device, LTK: ltk}, nil
}
