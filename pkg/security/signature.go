package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/capstack/capman/pkg/types"
)

// HMACVerifier checks manifest trust signatures: an HMAC-SHA256 over the
// canonical signing payload, keyed by the shared client secret. An empty
// signature is accepted only when the verifier is created permissive.
type HMACVerifier struct {
	secret     []byte
	permissive bool
}

// NewHMACVerifier creates a signature verifier. When permissive is true,
// unsigned manifests pass; signed manifests are always checked.
func NewHMACVerifier(secret string, permissive bool) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), permissive: permissive}
}

// Verify checks the manifest's trust signature
func (v *HMACVerifier) Verify(manifest *types.Manifest) error {
	sig := manifest.Security.TrustSignature
	if sig == "" {
		if v.permissive {
			return nil
		}
		return fmt.Errorf("manifest %s carries no trust signature", manifest.ID)
	}

	expected, err := v.Sign(manifest)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("trust signature mismatch for %s@%s", manifest.ID, manifest.Version)
	}
	return nil
}

// Sign computes the trust signature for a manifest
func (v *HMACVerifier) Sign(manifest *types.Manifest) (string, error) {
	payload, err := signingPayload(manifest)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// signingPayload is the canonical byte form covered by the signature:
// identity plus language and entry point, which together pin what runs.
func signingPayload(m *types.Manifest) ([]byte, error) {
	entry := ""
	if m.EntryPoint != nil {
		entry = m.EntryPoint.Main
	}
	return json.Marshal(map[string]string{
		"id":         m.ID,
		"verb":       m.Verb,
		"version":    m.Version,
		"language":   string(m.Language),
		"entryPoint": entry,
	})
}
