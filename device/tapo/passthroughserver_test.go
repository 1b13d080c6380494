package tapo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mergermarket/go-pkcs7"
	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughServer is an in-process device speaking only the legacy
// securePassthrough protocol: KLAP handshake endpoints 404 here, which is
// exactly how old firmwares behave.
type passthroughServer struct {
	t        *testing.T
	username string
	password string
	state    *fakeTapoState
}

func startPassthroughServer(t *testing.T, server *passthroughServer) uint16 {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/app", server.handleRequest)
	testServer := httptest.NewServer(mux)
	t.Cleanup(testServer.Close)
	port, err := strconv.Atoi(strings.Split(testServer.URL, ":")[2])
	require.NoError(t, err)
	return uint16(port)
}

func (s *passthroughServer) handleRequest(writer http.ResponseWriter, request *http.Request) {
	innerKeyRand, aesCipher, iv := s.getKeyDataFromCookie(writer, request)

	bodyBytes, err := io.ReadAll(request.Body)
	require.NoError(s.t, err)
	var bodyMap struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}
	require.NoError(s.t, json.Unmarshal(bodyBytes, &bodyMap))

	if bodyMap.Method == "handshake" {
		s.doHandshake(writer, bodyMap.Params, innerKeyRand)
		return
	}
	require.Equal(s.t, "securePassthrough", bodyMap.Method)

	var params struct {
		Request string `mapstructure:"request"`
	}
	require.NoError(s.t, mapstructure.Decode(bodyMap.Params, &params))
	clearText, err := s.decrypt(params.Request, aesCipher, iv)
	require.NoError(s.t, err)
	var innerBodyMap struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}
	require.NoError(s.t, json.Unmarshal(clearText, &innerBodyMap))

	var response []byte
	if innerBodyMap.Method == "login_device" {
		response = s.handleLoginRequest(innerBodyMap.Params)
	} else {
		response = s.state.respond(s.t, innerBodyMap.Method, innerBodyMap.Params)
	}

	responseBytes, err := json.Marshal(struct {
		Result    any `json:"result"`
		ErrorCode int `json:"error_code"`
	}{
		ErrorCode: 0,
		Result: struct {
			Response string `json:"response"`
		}{
			Response: base64.StdEncoding.EncodeToString(s.encrypt(response, aesCipher, iv)),
		},
	})
	require.NoError(s.t, err)
	writer.WriteHeader(http.StatusOK)
	_, err = writer.Write(responseBytes)
	assert.NoError(s.t, err)
}

// The real device keeps CBC state server-side per session; stashing it in
// the cookie keeps this mock stateless.
func (s *passthroughServer) getKeyDataFromCookie(writer http.ResponseWriter, request *http.Request) ([]byte, cipher.Block, []byte) {
	sessionCookie, err := request.Cookie("TP_SESSIONID")
	var innerKeyRand []byte
	if errors.Is(err, http.ErrNoCookie) {
		innerKeyRand = s.generateNewKey()
		http.SetCookie(writer, &http.Cookie{
			Name:    "TP_SESSIONID",
			Value:   base64.StdEncoding.EncodeToString(innerKeyRand),
			Expires: time.Now().Add(time.Hour),
		})
	} else {
		innerKeyRand, err = base64.StdEncoding.DecodeString(sessionCookie.Value)
		require.NoError(s.t, err)
		require.Len(s.t, innerKeyRand, 32)
	}
	aesCipher, err := aes.NewCipher(innerKeyRand[0:16])
	require.NoError(s.t, err)
	iv := innerKeyRand[16:32]
	require.Len(s.t, iv, aesCipher.BlockSize())
	return innerKeyRand, aesCipher, iv
}

func (s *passthroughServer) doHandshake(writer http.ResponseWriter, Params any, innerKeyRand []byte) {
	var params struct {
		Key string `mapstructure:"key"`
	}
	require.NoError(s.t, mapstructure.Decode(Params, &params))

	clientKey := readClientPublicKey(s.t, params.Key)
	cipherText, err := rsa.EncryptPKCS1v15(rand.Reader, clientKey, innerKeyRand)
	require.NoError(s.t, err)
	responseBytes, err := json.Marshal(struct {
		ErrorCode int `json:"error_code"`
		Result    any `json:"result"`
	}{
		ErrorCode: 0,
		Result: struct {
			Key string `json:"key"`
		}{
			Key: base64.StdEncoding.EncodeToString(cipherText),
		},
	})
	require.NoError(s.t, err)
	writer.WriteHeader(http.StatusOK)
	_, err = writer.Write(responseBytes)
	assert.NoError(s.t, err)
}

func readClientPublicKey(t *testing.T, key string) *rsa.PublicKey {
	block, _ := pem.Decode([]byte(key))
	require.NotNil(t, block)
	require.Equal(t, "PUBLIC KEY", block.Type)
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	return publicKey.(*rsa.PublicKey)
}

func (s *passthroughServer) generateNewKey() []byte {
	innerKeyRand := make([]byte, 32)
	bytesGenerated, err := rand.Read(innerKeyRand)
	require.NoError(s.t, err)
	require.Equal(s.t, 32, bytesGenerated)
	return innerKeyRand
}

func (s *passthroughServer) decrypt(base64CipherText string, aesCipher cipher.Block, iv []byte) ([]byte, error) {
	cipherText, err := base64.StdEncoding.DecodeString(base64CipherText)
	require.NoError(s.t, err)
	clearText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(aesCipher, iv).CryptBlocks(clearText, cipherText)
	return pkcs7.Unpad(clearText, len(iv))
}

func (s *passthroughServer) encrypt(clearText []byte, aesCipher cipher.Block, iv []byte) []byte {
	padded, err := pkcs7.Pad(clearText, len(iv))
	require.NoError(s.t, err)
	cipherText := make([]byte, len(padded))
	cipher.NewCBCEncrypter(aesCipher, iv).CryptBlocks(cipherText, padded)
	return cipherText
}

// handleLoginRequest validates credentials the way the firmware does: the
// username arrives as base64 of the sha1-hex of the email, the password as
// plain base64.
func (s *passthroughServer) handleLoginRequest(Params any) []byte {
	var params struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	}
	require.NoError(s.t, mapstructure.Decode(Params, &params))

	hashedUsername, err := base64.StdEncoding.DecodeString(params.Username)
	require.NoError(s.t, err)
	clearPassword, err := base64.StdEncoding.DecodeString(params.Password)
	require.NoError(s.t, err)

	expectedUsernameHash := sha1.Sum([]byte(s.username))
	if hex.EncodeToString(expectedUsernameHash[:]) != string(hashedUsername) || s.password != string(clearPassword) {
		return marshalReply(s.t, 1003, nil)
	}
	return marshalReply(s.t, 0, struct {
		Token string `json:"token"`
	}{Token: "abc123"})
}
