package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	MasterKeyLen = 32
	SubkeyLen    = 32 // AES-256 and HMAC-SHA256

	// HashLen is the size of a hashed id or key.
	HashLen = 32

	envelopeVersion byte = 1
	lengthPrefix         = 4
	padBlock             = 32
)

const (
	aesGcmTypeURL  = "type.googleapis.com/google.crypto.tink.AesGcmKey"
	hmacPrfTypeURL = "type.googleapis.com/google.crypto.tink.HmacPrfKey"
)

// appSalt is fixed: hashed ids and keys must come out identical every time
// the same secret is used, or lookups would never match.
var appSalt = []byte("credwrap non-random salt for vault keys")

// deriveKey derives the master key from a secret using Argon2id
func deriveKey(secret []byte, p KDFParams) []byte {
	return argon2.IDKey(secret, appSalt, p.Time, p.Memory, p.Threads, MasterKeyLen)
}

// expandKey derives an independent subkey for one purpose.
func expandKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, SubkeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to expand %s key: %w", info, err)
	}
	return key, nil
}

// createAEADKeyset creates a Tink AES-256-GCM keyset handle from a raw key
func createAEADKeyset(key []byte) (*keyset.Handle, error) {
	return keysetFromKeyData(aesGcmTypeURL, buildAesGcmKeyValue(key))
}

// createPRFKeyset creates a Tink HMAC-SHA256 PRF keyset handle from a raw key
func createPRFKeyset(key []byte) (*keyset.Handle, error) {
	return keysetFromKeyData(hmacPrfTypeURL, buildHmacPrfKeyValue(key))
}

func keysetFromKeyData(typeURL string, value []byte) (*keyset.Handle, error) {
	keysetJSON := fmt.Sprintf(`{
		"primaryKeyId": 1,
		"key": [{
			"keyData": {
				"typeUrl": %q,
				"keyMaterialType": "SYMMETRIC",
				"value": %q
			},
			"outputPrefixType": "RAW",
			"keyId": 1,
			"status": "ENABLED"
		}]
	}`, typeURL, base64.StdEncoding.EncodeToString(value))

	return insecurecleartextkeyset.Read(
		keyset.NewJSONReader(strings.NewReader(keysetJSON)),
	)
}

// buildAesGcmKeyValue builds the protobuf-encoded AesGcmKey
func buildAesGcmKeyValue(key []byte) []byte {
	result := []byte{}
	result = append(result, 0x08)           // field 1 (version), varint
	result = append(result, 0x00)           // version = 0
	result = append(result, 0x1a)           // field 3 (key_value), length-delimited
	result = append(result, encodeVarint(uint32(len(key)))...)
	result = append(result, key...)
	return result
}

// buildHmacPrfKeyValue builds the protobuf-encoded HmacPrfKey
func buildHmacPrfKeyValue(key []byte) []byte {
	hashType := uint32(3) // SHA256

	params := []byte{}
	params = append(params, 0x08) // field 1 (hash), varint
	params = append(params, encodeVarint(hashType)...)

	result := []byte{}
	result = append(result, 0x08) // field 1 (version), varint
	result = append(result, 0x00) // version = 0
	result = append(result, 0x12) // field 2 (params), length-delimited
	result = append(result, encodeVarint(uint32(len(params)))...)
	result = append(result, params...)
	result = append(result, 0x1a) // field 3 (key_value), length-delimited
	result = append(result, encodeVarint(uint32(len(key)))...)
	result = append(result, key...)
	return result
}

func encodeVarint(v uint32) []byte {
	var buf []byte
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	buf = append(buf, byte(v))
	return buf
}

// pad frames a value as length || value || zeros, rounded up to padBlock so
// the ciphertext only reveals the value length to within a block.
func pad(value []byte) []byte {
	n := lengthPrefix + len(value)
	if rem := n % padBlock; rem != 0 {
		n += padBlock - rem
	}
	frame := make([]byte, n)
	binary.BigEndian.PutUint32(frame, uint32(len(value)))
	copy(frame[lengthPrefix:], value)
	return frame
}

func unpad(frame []byte) ([]byte, error) {
	if len(frame) < lengthPrefix || len(frame)%padBlock != 0 {
		return nil, errors.New("invalid frame size")
	}
	n := binary.BigEndian.Uint32(frame)
	if uint64(n) > uint64(len(frame)-lengthPrefix) {
		return nil, errors.New("invalid value length")
	}
	return frame[lengthPrefix : lengthPrefix+int(n)], nil
}

// zeroBytes overwrites a byte slice with zeros
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
