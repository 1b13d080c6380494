package tapo

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/mergermarket/go-pkcs7"
)

func newRsaKeypair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 1024)
}

func textualPublicKey(key *rsa.PrivateKey) (string, error) {
	marshalled, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("could not marshal public key as PKIX: %w", err)
	}
	var outBytes bytes.Buffer
	if err = pem.Encode(&outBytes, &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: marshalled,
	}); err != nil {
		return "", fmt.Errorf("could not PEM-encode marshalled public key: %w", err)
	}
	return outBytes.String(), nil
}

// cbcCipherAndIvFromHandshakeResponse decrypts the device's half of the
// securePassthrough handshake: a 32-byte blob holding the AES key and the
// CBC init vector, encrypted against the public key this app sent.
func cbcCipherAndIvFromHandshakeResponse(base64Ciphertext string, decryptionKey *rsa.PrivateKey) (cipher.Block, []byte, error) {
	cipherText, err := base64.StdEncoding.DecodeString(base64Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode ciphertext as base64: %w", err)
	}
	cleartextPayload, err := rsa.DecryptPKCS1v15(rand.Reader, decryptionKey, cipherText)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decrypt ciphertext: %w", err)
	}
	if len(cleartextPayload) != 32 {
		return nil, nil, fmt.Errorf("expected handshake payload to be 32 bytes, but it was %d bytes", len(cleartextPayload))
	}
	block, err := aes.NewCipher(cleartextPayload[0:16])
	if err != nil {
		return nil, nil, fmt.Errorf("could not construct CBC cipher from decrypted payload: %w", err)
	}
	return block, cleartextPayload[16:32], nil
}

func encryptWithPkcs7Padding(encrypter cipher.BlockMode, clearText []byte) string {
	padded, _ := pkcs7.Pad(clearText, encrypter.BlockSize())
	cipherText := make([]byte, len(padded))
	encrypter.CryptBlocks(cipherText, padded)
	return base64.StdEncoding.EncodeToString(cipherText)
}

func decryptAndRemovePadding(decrypter cipher.BlockMode, base64Ciphertext string) ([]byte, error) {
	cipherText, err := base64.StdEncoding.DecodeString(base64Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("could not decode ciphertext as base64: %w", err)
	}
	if len(cipherText)%decrypter.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext is not block-aligned: %d bytes", len(cipherText))
	}
	var clearText = make([]byte, len(cipherText))
	decrypter.CryptBlocks(clearText, cipherText)
	return pkcs7.Unpad(clearText, decrypter.BlockSize())
}
