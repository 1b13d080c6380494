package tapo

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// klapServer is an in-process device speaking the KLAP protocol. Sessions
// are keyed by the TP_SESSIONID cookie it issues during handshake1, so the
// handlers stay stateless apart from the seed buffer each session needs.
type klapServer struct {
	t        *testing.T
	username string
	password string
	state    *fakeTapoState

	mu       sync.Mutex
	sessions map[string][]byte // cookie value -> localSeed+remoteSeed+authHash
}

func startKlapServer(t *testing.T, server *klapServer) uint16 {
	t.Helper()
	server.sessions = map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("/app", server.respondWith1003)
	mux.HandleFunc("/app/handshake1", server.handshake1)
	mux.HandleFunc("/app/handshake2", server.handshake2)
	mux.HandleFunc("/app/request", server.handleRequest)
	testServer := httptest.NewServer(mux)
	t.Cleanup(testServer.Close)
	port, err := strconv.Atoi(strings.Split(testServer.URL, ":")[2])
	require.NoError(t, err)
	return uint16(port)
}

// Devices that only speak KLAP answer the legacy endpoint with an in-band
// error rather than a 404.
func (s *klapServer) respondWith1003(writer http.ResponseWriter, request *http.Request) {
	writer.WriteHeader(http.StatusOK)
	_, err := writer.Write(marshalReply(s.t, 1003, nil))
	assert.NoError(s.t, err)
}

func (s *klapServer) handshake1(writer http.ResponseWriter, request *http.Request) {
	clientSeed, err := io.ReadAll(request.Body)
	require.NoError(s.t, err)
	require.Len(s.t, clientSeed, 16)

	serverSeed := s.generateSeed()
	buffer := append(append(bytes.Clone(clientSeed), serverSeed...), authHashFor(s.username, s.password)...)
	sessionId := base64.StdEncoding.EncodeToString(s.generateSeed())
	s.mu.Lock()
	s.sessions[sessionId] = buffer
	s.mu.Unlock()
	http.SetCookie(writer, &http.Cookie{
		Name:    "TP_SESSIONID",
		Value:   sessionId,
		Expires: time.Now().Add(24 * time.Hour),
	})

	hash := sha256.Sum256(buffer)
	writer.WriteHeader(http.StatusOK)
	written, err := writer.Write(append(bytes.Clone(serverSeed), hash[:]...))
	require.NoError(s.t, err)
	require.Equal(s.t, 48, written)
}

func (s *klapServer) handshake2(writer http.ResponseWriter, request *http.Request) {
	buffer := s.sessionBuffer(request)
	if buffer == nil {
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	payload, err := io.ReadAll(request.Body)
	require.NoError(s.t, err)

	localSeed, remoteSeed, authHash := buffer[0:16], buffer[16:32], buffer[32:64]
	expected := sha256.Sum256(append(append(bytes.Clone(remoteSeed), localSeed...), authHash...))
	if !bytes.Equal(expected[:], payload) {
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	writer.WriteHeader(http.StatusOK)
}

func (s *klapServer) handleRequest(writer http.ResponseWriter, request *http.Request) {
	buffer := s.sessionBuffer(request)
	if buffer == nil {
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	seq, err := strconv.Atoi(request.URL.Query().Get("seq"))
	require.NoError(s.t, err)

	session, err := setupEncryption(buffer)
	require.NoError(s.t, err)
	session.sequenceNumber = int32(seq)
	body, err := io.ReadAll(request.Body)
	require.NoError(s.t, err)
	clearText, err := session.Decrypt(body)
	require.NoError(s.t, err)

	var call struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}
	require.NoError(s.t, json.Unmarshal(clearText, &call))
	response := s.state.respond(s.t, call.Method, call.Params)

	// The reply is encrypted at the same sequence number as the request.
	session.sequenceNumber = int32(seq) - 1
	writer.WriteHeader(http.StatusOK)
	_, err = writer.Write(session.Encrypt(response))
	assert.NoError(s.t, err)
}

func (s *klapServer) sessionBuffer(request *http.Request) []byte {
	cookie, err := request.Cookie("TP_SESSIONID")
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[cookie.Value]
}

func (s *klapServer) generateSeed() []byte {
	seed := make([]byte, 16)
	bytesGenerated, err := rand.Read(seed)
	require.NoError(s.t, err)
	require.Equal(s.t, 16, bytesGenerated)
	return seed
}
