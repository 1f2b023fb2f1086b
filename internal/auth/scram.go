package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/naslab/middled/internal/domain/apikey"
)

// SCRAM-SHA-256 server side for API keys. The datastore holds only the
// verifier (salt, iteration count, StoredKey, ServerKey); the plaintext key
// never touches disk and the exchange is replay-resistant.

const scramIterations = 4096

// DeriveSCRAMVerifier computes the stored verifier fields for a new API key.
func DeriveSCRAMVerifier(plaintext string) (salt []byte, iterations int, storedKey, serverKey []byte, err error) {
	salt = make([]byte, 16)
	if _, err = rand.Read(salt); err != nil {
		return nil, 0, nil, nil, err
	}
	iterations = scramIterations
	salted := pbkdf2.Key([]byte(plaintext), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	stored := sha256.Sum256(clientKey)
	storedKey = stored[:]
	serverKey = hmacSum(salted, "Server Key")
	return salt, iterations, storedKey, serverKey, nil
}

// SCRAMChallenge is the server's first message: the verifier parameters plus
// a fresh server nonce the client must fold into its proof.
type SCRAMChallenge struct {
	Salt        string `json:"salt"` // base64
	Iterations  int    `json:"iterations"`
	ServerNonce string `json:"server_nonce"`
}

// NewSCRAMChallenge builds a challenge for the given key.
func NewSCRAMChallenge(key apikey.APIKey) (SCRAMChallenge, error) {
	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return SCRAMChallenge{}, err
	}
	return SCRAMChallenge{
		Salt:        base64.StdEncoding.EncodeToString(key.Salt),
		Iterations:  key.Iterations,
		ServerNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// VerifySCRAMProof checks the client proof against the stored verifier. The
// auth message binds both nonces so a captured proof cannot be replayed.
func VerifySCRAMProof(key apikey.APIKey, clientNonce, serverNonce, proofB64 string) (serverSignature string, err error) {
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil || len(proof) != sha256.Size {
		return "", fmt.Errorf("malformed client proof")
	}

	authMessage := []byte(clientNonce + "," + serverNonce)
	clientSignature := hmacBytes(key.StoredKey, authMessage)

	clientKey := make([]byte, sha256.Size)
	for i := range clientKey {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}
	recovered := sha256.Sum256(clientKey)
	if subtle.ConstantTimeCompare(recovered[:], key.StoredKey) != 1 {
		return "", fmt.Errorf("proof mismatch")
	}

	sig := hmacBytes(key.ServerKey, authMessage)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ComputeSCRAMProof derives the client-side proof. Exported for clients and
// tests; the server never calls it during verification.
func ComputeSCRAMProof(plaintext string, salt []byte, iterations int, clientNonce, serverNonce string) string {
	salted := pbkdf2.Key([]byte(plaintext), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	stored := sha256.Sum256(clientKey)

	authMessage := []byte(clientNonce + "," + serverNonce)
	clientSignature := hmacBytes(stored[:], authMessage)

	proof := make([]byte, sha256.Size)
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return base64.StdEncoding.EncodeToString(proof)
}

func hmacSum(key []byte, label string) []byte {
	return hmacBytes(key, []byte(label))
}

func hmacBytes(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
