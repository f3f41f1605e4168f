// Package crypto implements the cryptographic primitives the handshake
// relies on: RSA-2048/OAEP for the one-time session-key wrap, AES-GCM for
// the steady-state message envelope, Ed25519 for the auth-challenge
// signature, and constant-time wiping of short-lived key material.
//
// # Key agreement
//
// The handshake draws one RSA-2048 key pair per connection (or per rekey),
// uses it once to unwrap a 16-byte AES key sent by the peer, then burns the
// private exponent:
//
//	kp, _ := crypto.GenerateRSAKeyPair()
//	// ... send kp.Public, receive an OAEP-wrapped AES key ...
//	rawAESKey, _ := crypto.RSADecrypt(kp, wrapped)
//	kp.Burn()
//
// # Steady-state envelope
//
// Every message after the handshake completes is sealed with AES-GCM:
//
//	sealed, _ := crypto.AEADEncrypt(key, plaintext)
//	plaintext, err := crypto.AEADDecrypt(key, sealed)
//	// err is ErrDecryptionFailed if any byte of the envelope was tampered with
//
// # Signatures
//
// Ed25519 signs and verifies the auth-challenge to_sign payload:
//
//	sig, _ := crypto.Sign(challenge, privateKey)
//	ok, _ := crypto.Verify(challenge, sig, publicKey)
package crypto
