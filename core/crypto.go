package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"lukechampine.com/blake3"
)

// HashAlgorithm selects the system hash H used for block digests, identifier
// derivation and the subkey/IV schedule (§2 C1, §3). The default tracks the
// teacher's accelerated-sha256-first posture; blake3 is offered as the
// config-selectable alternative spec.md calls out ("SHA-256/3, BLAKE-family").
type HashAlgorithm int

const (
	HashSHA256 HashAlgorithm = iota
	HashBLAKE3
)

// NewHasher returns a fresh hash.Hash for the given algorithm. sha256-simd is
// used instead of the stdlib sha256 because, per §4.2's design choice, codec
// throughput must dominate hashing cost and sha256-simd is a SIMD-accelerated
// drop-in for crypto/sha256.
func NewHasher(algo HashAlgorithm) hash.Hash {
	switch algo {
	case HashBLAKE3:
		return blake3.New(32, nil)
	default:
		return sha256simd.New()
	}
}

// H computes the system hash of data and returns it as an Identifier.
func H(algo HashAlgorithm, data []byte) Identifier {
	h := NewHasher(algo)
	h.Write(data)
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}

// HConcat hashes the concatenation of parts, used for subkey_i and IV_i
// derivation (§3): subkey_i = H(master_key ∥ u64_be(i)), IV_i = H(salt ∥ u64_be(i)).
func HConcat(algo HashAlgorithm, parts ...[]byte) Identifier {
	h := NewHasher(algo)
	for _, p := range parts {
		h.Write(p)
	}
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}

// BlockSubkeyAndIV derives the per-block encryption subkey and IV for block
// index i of a resource encrypted under masterKey/salt, per §3's schedule.
func BlockSubkeyAndIV(algo HashAlgorithm, masterKey, salt []byte, index uint64) (subkey, iv Identifier) {
	var idxBE [8]byte
	binary.BigEndian.PutUint64(idxBE[:], index)
	subkey = HConcat(algo, masterKey, idxBE[:])
	iv = HConcat(algo, salt, idxBE[:])
	return
}

// DeriveSalt derives the per-resource salt (§4.3's process operation):
// salt = Argon2(H(file_bytes), type + ":" + name).
func DeriveSalt(algo HashAlgorithm, fileDigest Identifier, typeAndName string) []byte {
	return argon2.IDKey(fileDigest[:], []byte(typeAndName), 1, 64*1024, 4, 32)
}

// DeriveKeyPBKDF2 derives a symmetric key from a passphrase. Nothing in this
// module calls it: AddressBook writes the `keys` file (§6) without
// passphrase protection. PBKDF2 is carried
// alongside Argon2 because spec.md explicitly names both as acceptable KDFs
// for C1.
func DeriveKeyPBKDF2(passphrase, salt []byte, keyLen int) []byte {
	return pbkdf2.Key(passphrase, salt, 200_000, keyLen, sha256.New)
}

// AESGCMEncrypt encrypts plaintext with AES-256-GCM under key, using a
// random nonce prepended to the ciphertext.
func AESGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aes-gcm nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AESGCMDecrypt reverses AESGCMEncrypt.
func AESGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("aes-gcm: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// AESCTRXOR encrypts or decrypts (the operation is symmetric) data with
// AES-CTR under key/iv. Used for per-block resource content encryption
// (§3), where a stream cipher keyed per block avoids re-deriving a GCM tag
// per small chunk.
func AESCTRXOR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-ctr: %w", err)
	}
	if len(iv) < aes.BlockSize {
		padded := make([]byte, aes.BlockSize)
		copy(padded, iv)
		iv = padded
	}
	stream := cipher.NewCTR(block, iv[:aes.BlockSize])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// IdentityKeyPair wraps an RSA keypair the way a node or a user identity
// holds one, fingerprinted with H to become its Identifier (§3). Key types
// and (un)marshaling go through libp2p's crypto package rather than raw
// crypto/rsa + x509. The overlay's stream backend and the tunneler do not
// use this protobuf envelope when they fingerprint peer certificates:
// nodeIDFromCert hashes the certificate's PKIX DER public key instead.
type IdentityKeyPair struct {
	Private lp2pcrypto.PrivKey
	Public  lp2pcrypto.PubKey
}

// GenerateIdentityKeyPair creates a fresh RSA-2048 keypair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	priv, pub, err := lp2pcrypto.GenerateRSAKeyPair(2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &IdentityKeyPair{Private: priv, Public: pub}, nil
}

// MarshalPublicKey encodes the public key in libp2p's protobuf envelope.
func (k *IdentityKeyPair) MarshalPublicKey() ([]byte, error) {
	return lp2pcrypto.MarshalPublicKey(k.Public)
}

// MarshalPrivateKey encodes the private key in libp2p's protobuf envelope,
// for the on-disk `keys` file (§6).
func (k *IdentityKeyPair) MarshalPrivateKey() ([]byte, error) {
	return lp2pcrypto.MarshalPrivateKey(k.Private)
}

// UnmarshalIdentityKeyPair reconstructs a keypair from a marshaled private
// key, as read back from the `keys` file.
func UnmarshalIdentityKeyPair(raw []byte) (*IdentityKeyPair, error) {
	priv, err := lp2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal identity keypair: %w", err)
	}
	return &IdentityKeyPair{Private: priv, Public: priv.GetPublic()}, nil
}

// Fingerprint returns H(marshaled public key) as an Identifier: this is how
// node ids and user ids are derived from their respective keypairs (§3).
func (k *IdentityKeyPair) Fingerprint(algo HashAlgorithm) (Identifier, error) {
	raw, err := k.MarshalPublicKey()
	if err != nil {
		return Identifier{}, err
	}
	return H(algo, raw), nil
}

// Sign produces a signature over message under the identity's private key.
func (k *IdentityKeyPair) Sign(message []byte) ([]byte, error) {
	return k.Private.Sign(message)
}

// VerifySignature checks a signature produced by IdentityKeyPair.Sign
// against a marshaled public key.
func VerifySignature(marshaledPub []byte, message, signature []byte) (bool, error) {
	pub, err := lp2pcrypto.UnmarshalPublicKey(marshaledPub)
	if err != nil {
		return false, fmt.Errorf("verify signature: %w", err)
	}
	return pub.Verify(message, signature)
}
