package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/atomicfile"
)

// DefaultPolicyPath is where the inspection engine reads the bundle.
const DefaultPolicyPath = "/tmp/local_appsec.policy"

// Encode serializes v the way it is written to disk.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteAtomic serializes v completely, then replaces path with it.
// A serialization error leaves path untouched and creates nothing.
func WriteAtomic(path string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return err
	}
	slog.Debug("artifact written", "path", path, "bytes", len(data))
	return nil
}

// Digest returns the sha256 of the encoded policy document.
func (b *Bundle) Digest() (string, error) {
	data, err := Encode(b.Policy)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Write stores the policy document at policyPath and, when settingsPath is
// not empty, the settings document at settingsPath.
func (b *Bundle) Write(policyPath, settingsPath string) error {
	if policyPath == "" {
		policyPath = DefaultPolicyPath
	}
	if err := WriteAtomic(policyPath, b.Policy); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	if settingsPath == "" {
		return nil
	}
	if err := WriteAtomic(settingsPath, b.Settings); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
