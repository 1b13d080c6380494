package tapo

import (
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/base64"
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

// passthroughConnection speaks the legacy securePassthrough protocol: an
// RSA handshake hands this app a CBC key, then every API call travels
// base64-encrypted inside a securePassthrough envelope. Older firmwares
// only understand this protocol.
type passthroughConnection struct {
	hashedEmail string // the vendor app hashes the email before login, not the password
	password    string
	ip          string
	baseUrl     string
	appUrl      *url.URL
	appTokenUrl string // empty until login succeeds
	client      *http.Client
	logger      *zap.Logger

	cbcIv     []byte
	cbcCipher cipher.Block
}

//goland:noinspection HttpUrlsUsage
func newPassthroughConnection(email, password, deviceIp string, port uint16, logger *zap.Logger) (*passthroughConnection, error) {
	client, err := newSessionClient(deviceIp)
	if err != nil {
		return nil, err
	}
	baseUrl := "http://" + deviceIp + ":" + strconv.FormatUint(uint64(port), 10)
	appUrl, err := url.Parse(baseUrl + "/app")
	if err != nil {
		return nil, fmt.Errorf("could not parse '%s' as a URL object: %w", baseUrl, err)
	}
	return &passthroughConnection{
		hashedEmail: hashUsername(email),
		password:    password,
		ip:          deviceIp,
		baseUrl:     baseUrl,
		appUrl:      appUrl,
		client:      client,
		logger:      logger,
	}, nil
}

func (pc *passthroughConnection) devicePostUrl() string {
	if pc.appTokenUrl == "" {
		return pc.appUrl.String()
	}
	return pc.appTokenUrl
}

func (pc *passthroughConnection) exchange(ctx context.Context, body []byte) (map[string]interface{}, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.devicePostUrl(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyAppHeaders(request, pc.baseUrl, pc.ip)

	response, err := pc.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)
	if response.StatusCode != 200 {
		return nil, errors.New("expected status code 200, got " + strconv.Itoa(response.StatusCode))
	}
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	return jsonResult(responseBody)
}

func (pc *passthroughConnection) marshalPassthroughPayload(method string, params any) ([]byte, error) {
	clearTextPayload, err := json.Marshal(requestBodyWithTime{
		Method:          method,
		RequestTimeMils: time.Now().UnixMilli(),
		Params:          params,
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal passthrough payload: %w", err)
	}
	return json.Marshal(requestBody{
		Method: "securePassthrough",
		Params: struct {
			Request string `json:"request"`
		}{
			Request: encryptWithPkcs7Padding(pc.newEncrypter(), clearTextPayload),
		},
	})
}

func (pc *passthroughConnection) unmarshalPassthroughResponse(passthroughResult map[string]interface{}) (map[string]interface{}, error) {
	encoded, present := passthroughResult["response"].(string)
	if !present {
		return nil, errors.New("passthrough reply carried no response field")
	}
	decryptedResponse, err := decryptAndRemovePadding(pc.newDecrypter(), encoded)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt passthrough response: %w", err)
	}
	return jsonResult(decryptedResponse)
}

func (pc *passthroughConnection) newEncrypter() cipher.BlockMode {
	return cipher.NewCBCEncrypter(pc.cbcCipher, pc.cbcIv)
}

func (pc *passthroughConnection) newDecrypter() cipher.BlockMode {
	return cipher.NewCBCDecrypter(pc.cbcCipher, pc.cbcIv)
}

func (pc *passthroughConnection) doKeyExchange(ctx context.Context) error {
	pc.logout()
	privateKey, err := newRsaKeypair()
	if err != nil {
		return fmt.Errorf("could not generate new RSA keypair: %w", err)
	}
	publicKeyPem, err := textualPublicKey(privateKey)
	if err != nil {
		return fmt.Errorf("could not extract textual public key from private key: %w", err)
	}

	type handshakeParams struct {
		Key string `json:"key"`
	}
	handshakeBody, err := json.Marshal(requestBodyWithTime{
		Method:          "handshake",
		RequestTimeMils: 0,
		Params: handshakeParams{
			Key: publicKeyPem,
		},
	})
	if err != nil {
		return fmt.Errorf("could not marshal key exchange request body: %w", err)
	}
	result, err := pc.exchange(ctx, handshakeBody)
	if err != nil {
		return fmt.Errorf("could not perform key exchange POST request: %w", err)
	}

	remoteKey, present := result["key"].(string)
	if !present {
		return errors.New("key exchange reply carried no key")
	}
	block, iv, err := cbcCipherAndIvFromHandshakeResponse(remoteKey, privateKey)
	if err != nil {
		return fmt.Errorf("could not determine CBC parameters from key exchange response: %w", err)
	}
	pc.cbcIv = iv
	pc.cbcCipher = block
	return nil
}

func (pc *passthroughConnection) hasExchangedKeys() bool {
	return pc.hasValidSessionCookie() && pc.cbcCipher != nil && pc.cbcIv != nil
}

func (pc *passthroughConnection) hasValidSessionCookie() bool {
	for _, cookie := range pc.client.Jar.Cookies(pc.appUrl) {
		if cookie.Name == "TP_SESSIONID" {
			if cookie.Expires.Year() < 1601 { // has no expiry
				return true
			}
			return cookie.Expires.After(time.Now())
		}
	}
	return false
}

func (pc *passthroughConnection) doLogin(ctx context.Context) error {
	if !pc.hasExchangedKeys() {
		if err := pc.doKeyExchange(ctx); err != nil {
			return fmt.Errorf("could not do key exchange before logging in: %w", err)
		}
	}
	pc.logout()

	passthroughBody, err := pc.marshalPassthroughPayload("login_device", struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{
		Username: base64.StdEncoding.EncodeToString([]byte(pc.hashedEmail)),
		Password: base64.StdEncoding.EncodeToString([]byte(pc.password)),
	})
	if err != nil {
		return fmt.Errorf("could not marshal login_device payload: %w", err)
	}

	passthroughResult, err := pc.exchange(ctx, passthroughBody)
	if err != nil {
		return fmt.Errorf("could not perform login POST request: %w", err)
	}
	responseResult, err := pc.unmarshalPassthroughResponse(passthroughResult)
	if err != nil {
		return fmt.Errorf("could not unmarshal login_device response: %w", err)
	}
	token, present := responseResult["token"].(string)
	if !present {
		return errors.New("login_device reply carried no token")
	}
	pc.appTokenUrl = pc.appUrl.String() + "?token=" + token
	return nil
}

func (pc *passthroughConnection) isLoggedIn() bool {
	return pc.hasExchangedKeys() && pc.appTokenUrl != ""
}

func (pc *passthroughConnection) logout() {
	pc.appTokenUrl = ""
}

func (pc *passthroughConnection) forgetSession() {
	pc.logout()
	pc.client.CloseIdleConnections()
	pc.client.Jar.SetCookies(pc.appUrl, []*http.Cookie{{
		Name:   "TP_SESSIONID",
		MaxAge: -1,
	}})
	pc.cbcCipher = nil
	pc.cbcIv = nil
}

func (pc *passthroughConnection) call(ctx context.Context, method string, params any) (map[string]interface{}, error) {
	if !pc.isLoggedIn() {
		pc.logger.Debug("no live passthrough session, logging in", zap.String("device", pc.ip))
		if err := pc.doLogin(ctx); err != nil {
			pc.forgetSession()
			return nil, fmt.Errorf("could not log in before making API call: %w", err)
		}
	}

	passthroughBody, err := pc.marshalPassthroughPayload(method, params)
	if err != nil {
		return nil, fmt.Errorf("could not marshal passthrough payload for %s: %w", method, err)
	}
	passthroughResult, err := pc.exchange(ctx, passthroughBody)
	if err != nil {
		pc.forgetSession()
		return nil, fmt.Errorf("could not perform %s POST request: %w", method, err)
	}
	responseResult, err := pc.unmarshalPassthroughResponse(passthroughResult)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal passthrough response for %s: %w", method, err)
	}
	return responseResult, nil
}
