// Secret vault: passwords never touch disk or the coordination store. Each
// DISPATCH carries an opaque reference; the worker redeems it exactly once
// over the authenticated FETCH_SECRET side-channel, after which the vault
// zeroes its copy. Sealed at rest in the vault with AES-256-GCM.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Vault holds passwords in RAM only, sealed under an ephemeral per-process
// key, redeemable exactly once per reference.
type Vault struct {
	mu     sync.Mutex
	key    []byte
	sealed map[string][]byte // ref -> nonce||ciphertext
}

// NewVault creates a Vault with a freshly generated AES-256 key.
func NewVault() (*Vault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating vault key: %w", err)
	}
	return &Vault{key: key, sealed: make(map[string][]byte)}, nil
}

// Put seals plaintext and returns an opaque reference for later one-time
// redemption via Take. The caller's plaintext slice is zeroed before return.
func (v *Vault) Put(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	zero(plaintext)

	ref := uuid.NewString()
	v.mu.Lock()
	v.sealed[ref] = sealed
	v.mu.Unlock()
	return ref, nil
}

// Take redeems ref exactly once, returning the plaintext password. A second
// call for the same ref returns an error: the secret has already been
// delivered and zeroed.
func (v *Vault) Take(ref string) ([]byte, error) {
	v.mu.Lock()
	sealed, ok := v.sealed[ref]
	if ok {
		delete(v.sealed, ref)
	}
	v.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("secret reference %s already redeemed or unknown", ref)
	}
	defer zero(sealed)

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("malformed sealed secret")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Discard drops ref without redeeming it, used when a dispatch is cancelled
// before the worker ever fetches its secret.
func (v *Vault) Discard(ref string) {
	v.mu.Lock()
	if sealed, ok := v.sealed[ref]; ok {
		zero(sealed)
		delete(v.sealed, ref)
	}
	v.mu.Unlock()
}

// Pending reports how many unredeemed references remain, used by tests
// asserting password non-persistence once a job reaches a terminal state.
func (v *Vault) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sealed)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
