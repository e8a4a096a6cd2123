// Package vault derives a device-bound key and protects the stored balance.
//
// Security model: the device fingerprint is a best-effort deterrent against
// casual editing of the local store. It is NOT an identity and NOT an
// authentication factor. Anyone who can reproduce the environment signals,
// or read process memory, can derive the key. The integrity hash detects
// corruption and naive edits; it does not stop a determined local attacker.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/voxnote/voxnote/internal/domain"
)

// Key derivation parameters. Changing any of these orphans existing records.
const (
	KeyIterations = 100_000
	KeyLength     = 32
	NonceSize     = 12
)

// DefaultSalt is the fixed application salt mixed into key derivation.
var DefaultSalt = []byte("voxnote-credits-v1")

// Sealed is an AEAD ciphertext with its nonce.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// Provider fingerprints the device and encrypts records with the derived key.
// Fingerprint and key are computed once per Provider.
type Provider struct {
	signals Signals
	salt    []byte

	fpOnce      sync.Once
	fingerprint string

	keyOnce sync.Once
	key     []byte

	macOnce sync.Once
	macKey  []byte
}

// New creates a provider for the given environment signals.
func New(signals Signals) *Provider {
	return &Provider{signals: signals, salt: DefaultSalt}
}

// ─── Fingerprint & Key ──────────────────────────────────────────────────────

// Fingerprint returns the cached device fingerprint.
func (p *Provider) Fingerprint() string {
	p.fpOnce.Do(func() {
		p.fingerprint = p.signals.digest()
	})
	return p.fingerprint
}

// Key returns the cached AES-256 key derived from the fingerprint.
func (p *Provider) Key() []byte {
	p.keyOnce.Do(func() {
		p.key = pbkdf2.Key([]byte(p.Fingerprint()), p.salt, KeyIterations, KeyLength, sha256.New)
	})
	return p.key
}

// ─── AEAD ───────────────────────────────────────────────────────────────────

func (p *Provider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.Key())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with a fresh 96-bit nonce.
func (p *Provider) Encrypt(plaintext []byte) (Sealed, error) {
	gcm, err := p.gcm()
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Sealed{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
		IV:         nonce,
	}, nil
}

// Decrypt opens s. Every failure, malformed input included, is reported as
// domain.ErrDecryptFailed; it never panics.
func (p *Provider) Decrypt(s Sealed) ([]byte, error) {
	if len(s.IV) != NonceSize || len(s.Ciphertext) == 0 {
		return nil, domain.ErrDecryptFailed
	}
	gcm, err := p.gcm()
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	plain, err := gcm.Open(nil, s.IV, s.Ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return plain, nil
}

// ─── Integrity ──────────────────────────────────────────────────────────────

// integrityPayload is the semantic triple covered by the hash. Field order
// is fixed by the struct, so the encoding is canonical.
type integrityPayload struct {
	Balance           int64  `json:"balance"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	Timestamp         int64  `json:"timestamp"`
}

// IntegrityHash digests {balance, deviceFingerprint, timestamp}. The hash
// field itself and LastModified are excluded.
func IntegrityHash(r domain.BalanceRecord) string {
	data, _ := json.Marshal(integrityPayload{
		Balance:           r.Balance,
		DeviceFingerprint: r.DeviceFingerprint,
		Timestamp:         r.Timestamp.UnixMilli(),
	})
	return domain.SHA256Hex(data)
}

// VerifyIntegrity recomputes the hash of r and compares it to expected.
func VerifyIntegrity(r domain.BalanceRecord, expected string) bool {
	got := IntegrityHash(r)
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// ─── Log Authentication ─────────────────────────────────────────────────────

// macInfo separates the log MAC subkey from the record encryption key.
var macInfo = []byte("voxnote-transaction-log")

func (p *Provider) logKey() []byte {
	p.macOnce.Do(func() {
		k := make([]byte, KeyLength)
		if _, err := io.ReadFull(hkdf.New(sha256.New, p.Key(), p.salt, macInfo), k); err != nil {
			panic(fmt.Sprintf("vault: derive log key: %v", err))
		}
		p.macKey = k
	})
	return p.macKey
}

// MAC returns the hex HMAC-SHA256 of data under the log subkey.
func (p *Provider) MAC(data []byte) string {
	h := hmac.New(sha256.New, p.logKey())
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyMAC reports whether mac authenticates data.
func (p *Provider) VerifyMAC(data []byte, mac string) bool {
	want, err := hex.DecodeString(mac)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	h := hmac.New(sha256.New, p.logKey())
	h.Write(data)
	return hmac.Equal(h.Sum(nil), want)
}

// ─── Backup Codes ───────────────────────────────────────────────────────────

// GenerateBackupCodes returns n random 16-character uppercase hex codes.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	buf := make([]byte, domain.BackupCodeLength/2)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}

// IsValidBackupCode checks the format only: 16 hex characters, any case.
func IsValidBackupCode(code string) bool {
	if len(code) != domain.BackupCodeLength {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}
