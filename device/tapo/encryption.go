package tapo

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mergermarket/go-pkcs7"
)

// hashUsername mirrors the vendor app: the account email travels hashed,
// the password does not.
func hashUsername(username string) string {
	hashed := sha1.Sum([]byte(username))
	return hex.EncodeToString(hashed[:])
}

// authHashFor derives the credential hash both KLAP handshake messages are
// built from.
func authHashFor(email, password string) []byte {
	userHash := sha1.Sum([]byte(email))
	passHash := sha1.Sum([]byte(password))
	authHash := sha256.Sum256(append(userHash[:], passHash[:]...))
	return authHash[:]
}

// encryptionContext holds the session keys a completed KLAP handshake
// produces. Key, IV and signature secret are all derived from the
// localSeed+remoteSeed+authHash buffer; the sequence number seeds from the
// IV hash tail and advances once per request.
type encryptionContext struct {
	block          cipher.Block
	iv             []byte
	signature      []byte
	sequenceNumber int32
}

func setupEncryption(localRemoteAuthBuffer []byte) (*encryptionContext, error) {
	keyHash := sha256.Sum256(append([]byte("lsk"), localRemoteAuthBuffer...))
	ivHash := sha256.Sum256(append([]byte("iv"), localRemoteAuthBuffer...))
	sequence := int32(binary.BigEndian.Uint32(ivHash[sha256.Size-4 : sha256.Size]))
	sigHash := sha256.Sum256(append([]byte("ldk"), localRemoteAuthBuffer...))
	aesCipher, err := aes.NewCipher(keyHash[:16])
	if err != nil {
		return nil, err
	}
	return &encryptionContext{
		block:          aesCipher,
		iv:             ivHash[:12],
		signature:      sigHash[:28],
		sequenceNumber: sequence,
	}, nil
}

func (ec *encryptionContext) getIv() []byte {
	return binary.BigEndian.AppendUint32(bytes.Clone(ec.iv), uint32(ec.sequenceNumber))
}

func (ec *encryptionContext) sign(cipherText []byte) []byte {
	hash := sha256.Sum256(
		append(binary.BigEndian.AppendUint32(bytes.Clone(ec.signature), uint32(ec.sequenceNumber)), cipherText...))
	return hash[:]
}

// Encrypt advances the sequence number and produces signature||ciphertext,
// the framing /app/request expects.
func (ec *encryptionContext) Encrypt(data []byte) []byte {
	ec.sequenceNumber++
	padded, _ := pkcs7.Pad(data, aes.BlockSize)
	cipherText := make([]byte, len(padded))
	cipher.NewCBCEncrypter(ec.block, ec.getIv()).CryptBlocks(cipherText, padded)
	return append(ec.sign(cipherText), cipherText...)
}

// Decrypt unwraps a reply encrypted at the current sequence number. The
// leading 32 signature bytes are the device's, not verified here.
func (ec *encryptionContext) Decrypt(data []byte) ([]byte, error) {
	if len(data) < 32+aes.BlockSize {
		return nil, fmt.Errorf("encrypted reply too short: %d bytes", len(data))
	}
	cipherText := data[32:]
	if len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted reply is not block-aligned: %d bytes", len(cipherText))
	}
	clearText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(ec.block, ec.getIv()).CryptBlocks(clearText, cipherText)
	return pkcs7.Unpad(clearText, aes.BlockSize)
}
