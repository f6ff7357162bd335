// Package crypto encrypts broker credentials for login handshakes and keeps
// broker passwords in a password-sealed secrets file.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// CredentialPlaintext builds the "password|timestamp" string Capital.com
// expects inside the encrypted password field.
func CredentialPlaintext(password string, serverTimestamp int64) string {
	return password + "|" + strconv.FormatInt(serverTimestamp, 10)
}

// EncryptCredential encrypts plaintext with the broker-issued RSA public key
// using PKCS#1 v1.5 padding and returns the base64-encoded ciphertext.
//
// publicKeyB64 is the base64 DER body of the key as served by the broker. A
// PEM-armoured key is accepted as well.
func EncryptCredential(plaintext, publicKeyB64 string) (string, error) {
	pub, err := parsePublicKey(publicKeyB64)
	if err != nil {
		return "", err
	}

	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("crypto: rsa encrypt: %w: %v", domain.ErrCrypto, err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func parsePublicKey(encoded string) (*rsa.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("crypto: empty public key: %w", domain.ErrCrypto)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode public key: %w: %v", domain.ErrCrypto, err)
		}
		der = raw
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		// Try PKCS1 as fallback.
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PublicKey(der)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("crypto: parse public key: %w: %v (pkcs1: %v)", domain.ErrCrypto, err, pkcs1Err)
		}
		return pkcs1Key, nil
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: public key is %T, not RSA: %w", key, domain.ErrCrypto)
	}
	return pub, nil
}
