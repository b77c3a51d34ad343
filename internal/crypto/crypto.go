// Package crypto is the Anastasis crypto facade (spec §4.A): a set of
// pure functions with no I/O. Every byte buffer it touches is either
// caller-supplied or drawn from crypto/rand; nothing here retains
// state across calls.
//
// Key derivation follows the teacher's approach in
// internal/auth/password.go (Argon2id for secrets of uncertain
// entropy) and internal/services/wrapper.go (HKDF-SHA256 to fan a
// shared secret out into purpose-bound subkeys, ChaCha20-Poly1305 for
// the AEAD itself). Account keys use circl's Ed25519, a drop-in for
// crypto/ed25519 carried over from the teacher's go.mod.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	idDomainSeparator  = "anastasis-user-identifier-v1"
	aeadKeyInfoRecDoc  = "anastasis-recovery-document-key-v1"
	aeadKeyInfoShare   = "anastasis-key-share-wrap-v1"
	aeadKeyInfoCore    = "anastasis-core-secret-key-v1"
	policyKeyInfo      = "anastasis-policy-key-v1"
	securityAnswerInfo = "anastasis-security-answer-v1"
)

var ErrDecryptionFailed = errors.New("crypto: aead open failed")

// DeriveUserIdentifier implements spec §4.A derive_user_identifier.
// Argon2id is deliberately expensive: identity attributes are
// low-entropy compared to a random key, and providerSalt domain-
// separates the same attributes across providers so identifiers are
// unlinkable (spec §4.A, testable property 1).
func DeriveUserIdentifier(attrs map[string]string, providerSalt []byte) [32]byte {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(idDomainSeparator))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(attrs[k]))
	}
	material := h.Sum(nil)

	salt := sha256.Sum256(append([]byte(idDomainSeparator+":salt:"), providerSalt...))
	key := argon2.IDKey(material, salt[:], 3, 64*1024, 4, 32)
	var out [32]byte
	copy(out[:], key)
	return out
}

// AccountKeyPair is the deterministic Ed25519 keypair naming a user's
// account at one provider (spec §3 Account keypair).
type AccountKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DeriveAccountKeyPair implements spec §4.A derive_account_keypair.
func DeriveAccountKeyPair(id [32]byte) AccountKeyPair {
	pub, priv := ed25519.NewKeyFromSeed(id[:])
	return AccountKeyPair{Public: pub, Private: priv}
}

// SignUpload signs the hash of an uploaded policy document, producing
// the bytes carried in the Anastasis-Policy-Signature header.
func SignUpload(priv ed25519.PrivateKey, body []byte) []byte {
	hash := sha256.Sum256(body)
	return ed25519.Sign(priv, hash[:])
}

func VerifyUpload(pub ed25519.PublicKey, body, sig []byte) bool {
	hash := sha256.Sum256(body)
	return ed25519.Verify(pub, hash[:], sig)
}

func aeadFromKey(key []byte) (func([]byte, []byte, []byte) []byte, func([]byte, []byte, []byte) ([]byte, error), error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	seal := func(nonce, aad, plaintext []byte) []byte {
		return aead.Seal(nil, nonce, plaintext, aad)
	}
	open := func(nonce, aad, ciphertext []byte) ([]byte, error) {
		pt, err := aead.Open(nil, nonce, ciphertext, aad)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		return pt, nil
	}
	return seal, open, nil
}

func hkdfKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func randomNonce() ([]byte, error) {
	n := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// EncryptRecoveryDocument / DecryptRecoveryDocument implement spec
// §4.A and the wire framing of §6: AEAD over the plaintext under a key
// derived purely from the user identifier. The nonce is prefixed to
// the ciphertext since the caller has nowhere else to carry it.
func EncryptRecoveryDocument(id [32]byte, plaintext []byte) ([]byte, error) {
	key, err := hkdfKey(id[:], nil, aeadKeyInfoRecDoc)
	if err != nil {
		return nil, err
	}
	seal, _, err := aeadFromKey(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ct := seal(nonce, id[:], plaintext)
	return append(nonce, ct...), nil
}

func DecryptRecoveryDocument(id [32]byte, ciphertext []byte) ([]byte, error) {
	key, err := hkdfKey(id[:], nil, aeadKeyInfoRecDoc)
	if err != nil {
		return nil, err
	}
	_, open, err := aeadFromKey(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	return open(nonce, id[:], ct)
}

// EncryptTruthDatum / DecryptTruthDatum implement spec §4.A: AEAD of
// the challenge datum under the per-truth truth_key, which never
// leaves the client (the server only ever sees the ciphertext).
func EncryptTruthDatum(nonce, truthKey, datum []byte) ([]byte, error) {
	seal, _, err := aeadFromKey(truthKey)
	if err != nil {
		return nil, err
	}
	return seal(nonce, nil, datum), nil
}

func DecryptTruthDatum(nonce, truthKey, ciphertext []byte) ([]byte, error) {
	_, open, err := aeadFromKey(truthKey)
	if err != nil {
		return nil, err
	}
	return open(nonce, nil, ciphertext)
}

// EncryptKeyShare / DecryptKeyShare implement spec §4.A: the key
// share is wrapped under a key derived from the user identifier and,
// for question-type truths, the (hashed) answer as well — so the
// provider cannot release a usable key share without the challenge
// also having been answered correctly by someone holding the
// identifier.
func EncryptKeyShare(keyShare [32]byte, id [32]byte, answer *[32]byte) ([]byte, error) {
	secret := id[:]
	if answer != nil {
		secret = append(append([]byte{}, id[:]...), answer[:]...)
	}
	key, err := hkdfKey(secret, nil, aeadKeyInfoShare)
	if err != nil {
		return nil, err
	}
	seal, _, err := aeadFromKey(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ct := seal(nonce, nil, keyShare[:])
	return append(nonce, ct...), nil
}

func DecryptKeyShare(encrypted []byte, id [32]byte, answer *[32]byte) ([32]byte, error) {
	var out [32]byte
	secret := id[:]
	if answer != nil {
		secret = append(append([]byte{}, id[:]...), answer[:]...)
	}
	key, err := hkdfKey(secret, nil, aeadKeyInfoShare)
	if err != nil {
		return out, err
	}
	_, open, err := aeadFromKey(key)
	if err != nil {
		return out, err
	}
	if len(encrypted) < chacha20poly1305.NonceSize {
		return out, ErrDecryptionFailed
	}
	nonce, ct := encrypted[:chacha20poly1305.NonceSize], encrypted[chacha20poly1305.NonceSize:]
	pt, err := open(nonce, nil, ct)
	if err != nil {
		return out, err
	}
	copy(out[:], pt)
	return out, nil
}

// HashSecurityAnswer implements spec §4.A: a UTF-8 answer is hashed
// together with the truth's uuid and question_salt so the same answer
// hashes differently per truth and cannot be rainbow-tabled across
// providers.
func HashSecurityAnswer(answer string, uuid [16]byte, questionSalt []byte) [32]byte {
	h := hkdf.New(sha256.New, []byte(answer), append(append([]byte{}, uuid[:]...), questionSalt...), []byte(securityAnswerInfo))
	var out [32]byte
	_, _ = io.ReadFull(h, out[:])
	return out
}

// HashNumericAnswer implements spec §4.A for numeric-code challenge
// types (SMS TAN and similar).
func HashNumericAnswer(code uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], code)
	return sha256.Sum256(append([]byte(securityAnswerInfo+":numeric:"), buf[:]...))
}

// DerivePolicyKey implements spec §4.A: releasing every key share in
// a policy derives that policy's symmetric key.
func DerivePolicyKey(keyShares [][32]byte, policySalt []byte) ([32]byte, error) {
	material := make([]byte, 0, len(keyShares)*32)
	for _, ks := range keyShares {
		material = append(material, ks[:]...)
	}
	key, err := hkdfKey(material, policySalt, policyKeyInfo)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], key)
	return out, nil
}

// CoreSecretEncryption is the output of EncryptCoreSecret: one
// encrypted master key per policy plus the single encrypted core
// secret they all unlock (spec §3 Recovery document invariant).
type CoreSecretEncryption struct {
	EncryptedMasterKeys [][]byte // one per policy, same order as the policyKeys argument
	EncryptedCoreSecret []byte
	MasterKey           [32]byte
}

// EncryptCoreSecret implements spec §4.A: a single fresh master_key
// encrypts the user's secret once; each policy key wraps that same
// master_key independently so any one satisfied policy recovers it.
func EncryptCoreSecret(policyKeys [][32]byte, coreSecret []byte) (CoreSecretEncryption, error) {
	var masterKey [32]byte
	if _, err := rand.Read(masterKey[:]); err != nil {
		return CoreSecretEncryption{}, err
	}

	coreKey, err := hkdfKey(masterKey[:], nil, aeadKeyInfoCore)
	if err != nil {
		return CoreSecretEncryption{}, err
	}
	seal, _, err := aeadFromKey(coreKey)
	if err != nil {
		return CoreSecretEncryption{}, err
	}
	coreNonce, err := randomNonce()
	if err != nil {
		return CoreSecretEncryption{}, err
	}
	encCore := append(coreNonce, seal(coreNonce, nil, coreSecret)...)

	out := CoreSecretEncryption{EncryptedCoreSecret: encCore, MasterKey: masterKey}
	for _, pk := range policyKeys {
		pkKey, err := hkdfKey(pk[:], nil, aeadKeyInfoCore)
		if err != nil {
			return CoreSecretEncryption{}, err
		}
		pseal, _, err := aeadFromKey(pkKey)
		if err != nil {
			return CoreSecretEncryption{}, err
		}
		nonce, err := randomNonce()
		if err != nil {
			return CoreSecretEncryption{}, err
		}
		enc := append(nonce, pseal(nonce, nil, masterKey[:])...)
		out.EncryptedMasterKeys = append(out.EncryptedMasterKeys, enc)
	}
	return out, nil
}

// RecoverCoreSecret implements spec §4.A: the inverse of
// EncryptCoreSecret given one satisfied policy's key.
func RecoverCoreSecret(encryptedMasterKey []byte, policyKey [32]byte, encryptedCoreSecret []byte) ([]byte, error) {
	pkKey, err := hkdfKey(policyKey[:], nil, aeadKeyInfoCore)
	if err != nil {
		return nil, err
	}
	_, popen, err := aeadFromKey(pkKey)
	if err != nil {
		return nil, err
	}
	if len(encryptedMasterKey) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce, ct := encryptedMasterKey[:chacha20poly1305.NonceSize], encryptedMasterKey[chacha20poly1305.NonceSize:]
	masterKeyBytes, err := popen(nonce, nil, ct)
	if err != nil {
		return nil, err
	}
	var masterKey [32]byte
	copy(masterKey[:], masterKeyBytes)

	coreKey, err := hkdfKey(masterKey[:], nil, aeadKeyInfoCore)
	if err != nil {
		return nil, err
	}
	_, copen, err := aeadFromKey(coreKey)
	if err != nil {
		return nil, err
	}
	if len(encryptedCoreSecret) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	cnonce, cct := encryptedCoreSecret[:chacha20poly1305.NonceSize], encryptedCoreSecret[chacha20poly1305.NonceSize:]
	return copen(cnonce, nil, cct)
}

// RandomUUID16 draws 16 random bytes for a new truth uuid when the
// caller does not want the richer google/uuid.UUID type.
func RandomUUID16() ([16]byte, error) {
	var out [16]byte
	_, err := rand.Read(out[:])
	return out, err
}

// RandomKey32 draws a fresh 32-byte key share, truth key, or salt.
func RandomKey32() ([32]byte, error) {
	var out [32]byte
	_, err := rand.Read(out[:])
	return out, err
}

// RandomNonce exposes the AEAD nonce size to callers that build a
// Truth ahead of encryption (spec §4.D step 1).
func RandomNonce() ([]byte, error) { return randomNonce() }
