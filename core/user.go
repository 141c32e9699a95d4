package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// User is a local user identity (§3 "User", §4.5): an RSA keypair usable
// both for application-level signing (mail, resources, via the
// libp2p-wrapped IdentityKeyPair already used for node identity in
// crypto.go) and for the tunneler's per-user DTLS authentication, which
// needs a crypto/tls certificate rather than a bare keypair.
//
// The same underlying RSA key backs both views, but ID is pinned to the
// x509/PKIX-DER fingerprint GenerateNodeCertificate and nodeIDFromCert
// already use, not IdentityKeyPair.Fingerprint's protobuf-DER one: the
// tunneler authenticates users by inspecting the DTLS peer's x509
// certificate (remoteUserFromDTLS), so a user's own id must be computed
// the same way or the two sides would never agree on who they just shook
// hands with.
type User struct {
	ID       Identifier
	Identity *IdentityKeyPair
	Cert     tls.Certificate
}

// NewUser generates a fresh RSA-2048 user identity and its DTLS
// certificate (§4.5: "each side authenticates with the user's
// certificate, not the node's").
func NewUser() (*User, error) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate user identity: %w", err)
	}
	return newUserFromIdentity(identity)
}

// LoadUser reconstructs a user identity from a marshaled private key, as
// read back from the `keys` file (§6).
func LoadUser(marshaledPrivateKey []byte) (*User, error) {
	identity, err := UnmarshalIdentityKeyPair(marshaledPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load user identity: %w", err)
	}
	return newUserFromIdentity(identity)
}

func newUserFromIdentity(identity *IdentityKeyPair) (*User, error) {
	raw, err := identity.Private.Raw()
	if err != nil {
		return nil, fmt.Errorf("extract user private key: %w", err)
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse user rsa key: %w", err)
	}

	cert, id, err := generateUserCertificate(rsaKey)
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Identity: identity, Cert: cert}, nil
}

// generateUserCertificate self-signs an x509 certificate over key, the
// same shape GenerateNodeCertificate builds for node-level transport
// identity, and fingerprints it the same way (nodeIDFromCert) so a user's
// ID agrees with what the tunneler recovers from the DTLS handshake.
func generateUserCertificate(key *rsa.PrivateKey) (tls.Certificate, Identifier, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, fmt.Errorf("create user certificate: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return tls.Certificate{}, ZeroIdentifier, err
	}
	id := H(HashSHA256, pubDER)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return cert, id, nil
}

// Sign signs message with the user's application-level identity key.
func (u *User) Sign(message []byte) ([]byte, error) {
	return u.Identity.Sign(message)
}

// MarshalPrivateKey encodes the user's private key for the on-disk `keys`
// file (§6).
func (u *User) MarshalPrivateKey() ([]byte, error) {
	return u.Identity.MarshalPrivateKey()
}

// MarshalPublicKey encodes the user's public key, e.g. for peers to
// verify signatures produced by Sign.
func (u *User) MarshalPublicKey() ([]byte, error) {
	return u.Identity.MarshalPublicKey()
}
