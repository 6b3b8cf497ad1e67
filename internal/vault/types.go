package vault

import "fmt"

const (
	FormatVersion = "1"
	Algorithm     = "AES256-GCM+HMAC-SHA256-PRF"
	KDFAlgorithm  = "argon2id"
)

// Header is the JSON record a store keeps about how it was sealed.
type Header struct {
	Version   string    `json:"version"`
	Algorithm string    `json:"algorithm"`
	KDF       KDFParams `json:"kdf"`
	Check     string    `json:"check"` // base64 AEAD ciphertext of a known value
}

// KDFParams contains Argon2id parameters for key derivation
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Time      uint32 `json:"time"`
	Memory    uint32 `json:"memory"` // in KiB
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams returns the parameters used for new stores.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: KDFAlgorithm,
		Time:      3,
		Memory:    64 * 1024,
		Threads:   4,
	}
}

// Validate checks the parameters are usable by argon2.IDKey.
func (p KDFParams) Validate() error {
	if p.Algorithm != "" && p.Algorithm != KDFAlgorithm {
		return fmt.Errorf("unsupported KDF: %s", p.Algorithm)
	}
	if p.Time < 1 {
		return fmt.Errorf("kdf time must be at least 1")
	}
	if p.Threads < 1 {
		return fmt.Errorf("kdf threads must be at least 1")
	}
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("kdf memory must be at least %d KiB for %d threads", 8*uint32(p.Threads), p.Threads)
	}
	return nil
}
