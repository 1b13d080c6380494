package kasa

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"

	"plugboard/types"
)

// fakeDevice pretends to be one kasa device: it answers sysinfo and emeter
// queries over TCP, honours set_relay_state, and can answer discovery
// probes over UDP. State mutations are visible to later queries so toggle
// round-trips can be exercised end to end.
type fakeDevice struct {
	t          *testing.T
	alias      string
	model      string
	systemType string

	mu           sync.Mutex
	relayOn      bool
	powerWatts   float64
	relayErrCode int
	meterErrCode int

	listener net.Listener
}

func startFakeDevice(t *testing.T, alias, model, systemType string) *fakeDevice {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dev := &fakeDevice{t: t, alias: alias, model: model, systemType: systemType, listener: listener}
	go dev.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return dev
}

func (f *fakeDevice) address(t *testing.T) types.Address {
	t.Helper()
	addr, err := types.ParseAddress("127.0.0.1")
	require.NoError(t, err)
	return addr
}

func (f *fakeDevice) tcpPort() uint16 {
	return uint16(f.listener.Addr().(*net.TCPAddr).Port)
}

func (f *fakeDevice) setRelay(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayOn = on
}

func (f *fakeDevice) relayState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relayOn
}

func (f *fakeDevice) setPowerWatts(watts float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerWatts = watts
}

func (f *fakeDevice) failRelayWith(errCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayErrCode = errCode
}

func (f *fakeDevice) failMeterWith(errCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meterErrCode = errCode
}

func (f *fakeDevice) serve() {
	for {
		connection, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handleConnection(connection)
	}
}

// Real devices keep one connection open across several queries, so the
// handler loops until the client hangs up.
func (f *fakeDevice) handleConnection(connection net.Conn) {
	defer func() { _ = connection.Close() }()
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(connection, header); err != nil {
			return
		}
		body := make([]byte, expectedLinkiePacketSize(header))
		if _, err := io.ReadFull(connection, body); err != nil {
			return
		}
		request, err := unscramble(append(header, body...))
		if err != nil {
			return
		}
		response := f.respond(request)
		if response == nil {
			return
		}
		if _, err := connection.Write(scramble(response)); err != nil {
			return
		}
	}
}

func (f *fakeDevice) respond(request []byte) []byte {
	var query map[string]map[string]interface{}
	if err := json.Unmarshal(request, &query); err != nil {
		return nil
	}
	if system, present := query["system"]; present {
		if _, wantsInfo := system["get_sysinfo"]; wantsInfo {
			return f.sysInfoReply()
		}
		if rawParams, wantsRelay := system["set_relay_state"]; wantsRelay {
			var params struct {
				State int `mapstructure:"state"`
			}
			if err := mapstructure.Decode(rawParams, &params); err != nil {
				return nil
			}
			f.mu.Lock()
			if f.relayErrCode == 0 {
				f.relayOn = params.State == 1
			}
			errCode := f.relayErrCode
			f.mu.Unlock()
			return []byte(fmt.Sprintf(`{"system":{"set_relay_state":{"err_code":%d}}}`, errCode))
		}
	}
	if _, wantsRealtime := query["emeter"]; wantsRealtime {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.meterErrCode != 0 {
			return []byte(fmt.Sprintf(`{"emeter":{"get_realtime":{"err_code":%d}}}`, f.meterErrCode))
		}
		return []byte(fmt.Sprintf(
			`{"emeter":{"get_realtime":{"voltage_mv":236213,"current_ma":99,"power_mw":%d,"total_wh":1059,"err_code":0}}}`,
			int(f.powerWatts*1000)))
	}
	return []byte(`{"err_code":-1}`)
}

func (f *fakeDevice) sysInfoReply() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	relayState := 0
	if f.relayOn {
		relayState = 1
	}
	info := map[string]interface{}{
		"sw_ver":      "1.5.10 Build 191125 Rel.094314",
		"hw_ver":      "2.1",
		"model":       f.model,
		"alias":       f.alias,
		"dev_name":    "Smart Wi-Fi Plug",
		"relay_state": relayState,
		"on_time":     5332,
		"active_mode": "none",
		"updating":    0,
		"rssi":        -61,
		"led_off":     0,
		"deviceId":    "AABB0011CC22DD33EE44FF550011CC33FF55AA77",
		"hwId":        "00112233445566778899AA00BB00CC00",
		"oemId":       "E57A51C2293DD01A3171CD7949972746",
		"err_code":    0,
	}
	if f.systemType == plugSystemType {
		info["type"] = f.systemType
		info["mac"] = "AA:00:11:BB:22:33"
	} else {
		info["mic_type"] = f.systemType
		info["mic_mac"] = "AA0011BB2233"
		info["light_state"] = map[string]interface{}{"on_off": 1}
	}
	payload, err := json.Marshal(map[string]interface{}{"system": map[string]interface{}{"get_sysinfo": info}})
	require.NoError(f.t, err)
	return payload
}

// answerDiscovery starts a UDP responder for this device and returns the
// address a discovery sweep should probe.
func (f *fakeDevice) answerDiscovery(t *testing.T) string {
	t.Helper()
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = udpConn.Close() })
	go func() {
		buffer := make([]byte, 4096)
		for {
			n, sender, err := udpConn.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			request := unscrambleRaw(buffer[:n])
			if !strings.Contains(string(request), "get_sysinfo") {
				continue
			}
			_, _ = udpConn.WriteToUDP(scrambleRaw(f.sysInfoReply()), sender)
		}
	}()
	return udpConn.LocalAddr().String()
}
