package tapo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.uber.org/zap"
)

// devicePort is the HTTP port tapo devices serve their app API on.
const devicePort uint16 = 80

// apiConnection is one authenticated way of talking to a tapo device.
// Both protocols present the same method/params surface once the
// handshake is out of the way.
type apiConnection interface {
	call(ctx context.Context, method string, params any) (map[string]interface{}, error)
	forgetSession()
}

// lazyConnection defers the protocol choice until the first call: newer
// firmwares only accept the KLAP handshake, older ones only the RSA
// securePassthrough handshake, and a device does not advertise which it
// speaks.
type lazyConnection struct {
	email    string
	password string
	deviceIp string
	port     uint16
	logger   *zap.Logger
	delegate apiConnection
}

func newConnection(email, password, deviceIp string, port uint16, logger *zap.Logger) *lazyConnection {
	return &lazyConnection{
		email:    email,
		password: password,
		deviceIp: deviceIp,
		port:     port,
		logger:   logger,
	}
}

func (lc *lazyConnection) call(ctx context.Context, method string, params any) (map[string]interface{}, error) {
	if lc.delegate == nil {
		if err := lc.choose(ctx); err != nil {
			return nil, err
		}
	}
	return lc.delegate.call(ctx, method, params)
}

func (lc *lazyConnection) forgetSession() {
	if lc.delegate != nil {
		lc.delegate.forgetSession()
	}
}

func (lc *lazyConnection) choose(ctx context.Context) error {
	klap, err := newKlapConnection(lc.email, lc.password, lc.deviceIp, lc.port, lc.logger)
	if err != nil {
		return err
	}
	if err := klap.handshake(ctx); err == nil {
		lc.logger.Debug("device speaks klap", zap.String("device", lc.deviceIp))
		lc.delegate = klap
		return nil
	}
	lc.logger.Debug("klap handshake refused, falling back to securePassthrough",
		zap.String("device", lc.deviceIp))
	passthrough, err := newPassthroughConnection(lc.email, lc.password, lc.deviceIp, lc.port, lc.logger)
	if err != nil {
		return err
	}
	lc.delegate = passthrough
	return nil
}

// newSessionClient builds the long-lived HTTP client a connection keeps for
// one device; the jar carries the TP_SESSIONID cookie the device issues
// during its handshake.
func newSessionClient(deviceIp string) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar for %s: %w", deviceIp, err)
	}
	tr := &http.Transport{
		DisableKeepAlives:      false,
		DisableCompression:     false,
		MaxIdleConnsPerHost:    1,
		MaxConnsPerHost:        1,
		IdleConnTimeout:        5 * time.Minute,
		ResponseHeaderTimeout:  5 * time.Second,
		MaxResponseHeaderBytes: 4096,
		ForceAttemptHTTP2:      false,
	}
	return &http.Client{
		Transport: tr,
		Jar:       jar,
		Timeout:   10 * time.Second,
	}, nil
}

// The firmware rejects requests without the vendor app's exact headers.
func applyAppHeaders(request *http.Request, baseUrl, deviceIp string) {
	request.Header.Set("Referer", baseUrl)
	request.Header.Set("requestByApp", "true")
	request.Header.Set("Content-Type", "application/json; charset=UTF-8")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Connection", "Keep-Alive")
	request.Header.Set("Host", deviceIp)
	request.Header.Set("User-Agent", "okhttp/3.12.13")
}

type requestBody struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type requestBodyWithTime struct {
	Method          string `json:"method"`
	Params          any    `json:"params,omitempty"`
	RequestTimeMils int64  `json:"requestTimeMils"`
}

// jsonResult parses a device reply, enforces its error_code, and returns
// the result object. Replies to mutations such as set_device_info carry no
// result; those come back as an empty map rather than an error.
func jsonResult(payload []byte) (map[string]interface{}, error) {
	var reply struct {
		ErrorCode int                    `json:"error_code"`
		Result    map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("could not unmarshal device reply: %w", err)
	}
	if reply.ErrorCode != 0 {
		return nil, fmt.Errorf("device call failed with error_code %d", reply.ErrorCode)
	}
	if reply.Result == nil {
		return map[string]interface{}{}, nil
	}
	return reply.Result, nil
}
