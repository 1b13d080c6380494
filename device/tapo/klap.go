package tapo

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// klapConnection speaks the KLAP protocol: a two-round seed/hash handshake
// proving both sides know the account credentials, then AES-CBC payloads
// signed with a per-request sequence number.
type klapConnection struct {
	email    string
	password string
	ip       string
	baseUrl  string
	// requestUrl is what the session cookie is scoped to
	requestUrl *url.URL
	client     *http.Client
	logger     *zap.Logger

	localSeed  []byte
	remoteSeed []byte
	authHash   []byte
	session    *encryptionContext
}

//goland:noinspection HttpUrlsUsage
func newKlapConnection(email, password, deviceIp string, port uint16, logger *zap.Logger) (*klapConnection, error) {
	client, err := newSessionClient(deviceIp)
	if err != nil {
		return nil, err
	}
	baseUrl := "http://" + deviceIp + ":" + strconv.FormatUint(uint64(port), 10)
	requestUrl, err := url.Parse(baseUrl + "/app/request")
	if err != nil {
		return nil, fmt.Errorf("could not parse '%s' as a URL object: %w", baseUrl, err)
	}
	return &klapConnection{
		email:      email,
		password:   password,
		ip:         deviceIp,
		baseUrl:    baseUrl,
		requestUrl: requestUrl,
		client:     client,
		logger:     logger,
	}, nil
}

func (kc *klapConnection) handshake(ctx context.Context) error {
	kc.localSeed = make([]byte, 16)
	if _, err := rand.Read(kc.localSeed); err != nil {
		return err
	}
	request1, err := http.NewRequestWithContext(ctx, http.MethodPost,
		kc.baseUrl+"/app/handshake1", bytes.NewReader(kc.localSeed))
	if err != nil {
		return err
	}
	applyAppHeaders(request1, kc.baseUrl, kc.ip)

	handshakeResponse, err := kc.exchangeExpect200(request1)
	if err != nil {
		return err
	}
	if len(handshakeResponse) != 48 {
		return fmt.Errorf("expected handshake 1 response to be 48 bytes but got %d", len(handshakeResponse))
	}
	kc.remoteSeed = handshakeResponse[0:16]
	kc.authHash = authHashFor(kc.email, kc.password)
	localRemoteAuthBuffer := append(append(bytes.Clone(kc.localSeed), kc.remoteSeed...), kc.authHash...)
	expectedHash := sha256.Sum256(localRemoteAuthBuffer)
	if !bytes.Equal(expectedHash[:], handshakeResponse[16:]) {
		return errors.New("handshake 1 response hash did not match expected credentials")
	}

	payload := sha256.Sum256(append(append(bytes.Clone(kc.remoteSeed), kc.localSeed...), kc.authHash...))
	request2, err := http.NewRequestWithContext(ctx, http.MethodPost,
		kc.baseUrl+"/app/handshake2", bytes.NewReader(payload[:]))
	if err != nil {
		return err
	}
	applyAppHeaders(request2, kc.baseUrl, kc.ip)
	if _, err = kc.exchangeExpect200(request2); err != nil {
		return err
	}

	kc.session, err = setupEncryption(localRemoteAuthBuffer)
	if err != nil {
		return err
	}
	kc.logger.Debug("klap handshake complete", zap.String("device", kc.ip))
	return nil
}

func (kc *klapConnection) hasSession() bool {
	return kc.hasValidSessionCookie() && kc.session != nil
}

func (kc *klapConnection) exchangeExpect200(request *http.Request) ([]byte, error) {
	response, err := kc.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)
	if response.StatusCode != 200 {
		return nil, errors.New("expected status code 200, got " + strconv.Itoa(response.StatusCode))
	}
	return io.ReadAll(response.Body)
}

func (kc *klapConnection) hasValidSessionCookie() bool {
	for _, cookie := range kc.client.Jar.Cookies(kc.requestUrl) {
		if cookie.Name == "TP_SESSIONID" {
			if cookie.Expires.Year() < 1601 { // has no expiry
				return true
			}
			return cookie.Expires.After(time.Now())
		}
	}
	return false
}

func (kc *klapConnection) forgetSession() {
	kc.client.CloseIdleConnections()
	kc.client.Jar.SetCookies(kc.requestUrl, []*http.Cookie{{
		Name:   "TP_SESSIONID",
		MaxAge: -1,
	}})
	kc.localSeed = nil
	kc.remoteSeed = nil
	kc.authHash = nil
	kc.session = nil
}

func (kc *klapConnection) call(ctx context.Context, method string, params any) (map[string]interface{}, error) {
	if !kc.hasSession() {
		kc.logger.Debug("no live klap session, renegotiating", zap.String("device", kc.ip))
		if err := kc.handshake(ctx); err != nil {
			kc.forgetSession()
			return nil, fmt.Errorf("could not establish klap session: %w", err)
		}
	}

	payload, err := json.Marshal(requestBody{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s payload: %w", method, err)
	}
	encryptedPayload := kc.session.Encrypt(payload)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		kc.baseUrl+"/app/request?seq="+strconv.Itoa(int(kc.session.sequenceNumber)),
		bytes.NewReader(encryptedPayload))
	if err != nil {
		return nil, err
	}
	applyAppHeaders(request, kc.baseUrl, kc.ip)
	response, err := kc.exchangeExpect200(request)
	if err != nil {
		kc.forgetSession()
		return nil, fmt.Errorf("could not perform %s request: %w", method, err)
	}
	clearText, err := kc.session.Decrypt(response)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt %s response: %w", method, err)
	}
	return jsonResult(clearText)
}
