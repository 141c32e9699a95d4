package core

import (
	"crypto/x509"
	"testing"
)

// TestNewUserCertFingerprintMatchesID checks that a User's ID is exactly
// the fingerprint the tunneler would recover from its own DTLS
// certificate (nodeIDFromCert), since that is the only fingerprint the
// wire protocol ever actually verifies.
func TestNewUserCertFingerprintMatchesID(t *testing.T) {
	u, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if len(u.Cert.Certificate) == 0 {
		t.Fatalf("user certificate has no leaf")
	}
	leaf, err := x509.ParseCertificate(u.Cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	got, err := nodeIDFromCert(leaf)
	if err != nil {
		t.Fatalf("fingerprint cert: %v", err)
	}
	if got != u.ID {
		t.Fatalf("cert fingerprint %s does not match user ID %s", got, u.ID)
	}
}

// TestUserSignVerifyRoundTrip exercises the application-level signing
// path a user's identity is also used for (mail, resource records).
func TestUserSignVerifyRoundTrip(t *testing.T) {
	u, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	message := []byte("a mail message body")
	sig, err := u.Sign(message)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, err := u.MarshalPublicKey()
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	ok, err := VerifySignature(pub, message, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("signature did not verify")
	}
	if ok2, _ := VerifySignature(pub, []byte("tampered"), sig); ok2 {
		t.Fatalf("signature verified against tampered message")
	}
}

// TestLoadUserRoundTrip checks that a user reloaded from its marshaled
// private key (as the `keys` file stores it, §6) reproduces the same ID
// and can still sign/verify consistently.
func TestLoadUserRoundTrip(t *testing.T) {
	u, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	raw, err := u.MarshalPrivateKey()
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	reloaded, err := LoadUser(raw)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if reloaded.ID != u.ID {
		t.Fatalf("reloaded user id mismatch: got %s want %s", reloaded.ID, u.ID)
	}
}
