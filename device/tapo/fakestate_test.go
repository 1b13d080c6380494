package tapo

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"
)

// fakeTapoState models one tapo device behind either protocol's test
// server: both servers decrypt the envelope and hand the inner method call
// here. Mutations stick, so toggle round-trips can be exercised.
type fakeTapoState struct {
	mu             sync.Mutex
	deviceType     string // SMART.TAPOPLUG or SMART.TAPOBULB
	model          string
	nickname       string // plain text; replies carry it base64-encoded
	deviceOn       bool
	powerMw        float64
	failSwitchWith int // error_code for set_device_info, 0 for success
}

func (s *fakeTapoState) setDeviceOn(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceOn = on
}

func (s *fakeTapoState) isDeviceOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceOn
}

func (s *fakeTapoState) setPowerMw(mw float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerMw = mw
}

func (s *fakeTapoState) failSwitchesWith(errorCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSwitchWith = errorCode
}

// respond executes one decrypted API call and returns the inner reply body.
func (s *fakeTapoState) respond(t *testing.T, method string, params any) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch method {
	case "get_device_info":
		return marshalReply(t, 0, struct {
			DeviceId    string `json:"device_id"`
			FwVer       string `json:"fw_ver"`
			Type        string `json:"type"`
			Model       string `json:"model"`
			MacAddress  string `json:"mac"`
			DeviceOn    bool   `json:"device_on"`
			OnTime      int    `json:"on_time"`
			Overheated  bool   `json:"overheated"`
			Nickname    string `json:"nickname"`
			SignalLevel int    `json:"signal_level"`
			Rssi        int    `json:"rssi"`
		}{
			DeviceId:    "802280A16D601909124373211884D9081F4B1B9C",
			FwVer:       "1.5.5 Build 20230927 Rel. 40646",
			Type:        s.deviceType,
			Model:       s.model,
			MacAddress:  "5C-A6-E6-FE-BE-0B",
			DeviceOn:    s.deviceOn,
			OnTime:      0,
			Overheated:  false,
			Nickname:    base64.StdEncoding.EncodeToString([]byte(s.nickname)),
			SignalLevel: 3,
			Rssi:        -44,
		})
	case "get_energy_usage":
		return marshalReply(t, 0, struct {
			TodayRuntime int     `json:"today_runtime"`
			MonthRuntime int     `json:"month_runtime"`
			TodayEnergy  int     `json:"today_energy"`
			MonthEnergy  int     `json:"month_energy"`
			CurrentPower float64 `json:"current_power"`
		}{
			TodayRuntime: 41,
			MonthRuntime: 1803,
			TodayEnergy:  5,
			MonthEnergy:  236,
			CurrentPower: s.powerMw,
		})
	case "set_device_info":
		var p struct {
			DeviceOn bool `mapstructure:"device_on"`
		}
		require.NoError(t, mapstructure.Decode(params, &p))
		if s.failSwitchWith != 0 {
			return marshalReply(t, s.failSwitchWith, nil)
		}
		s.deviceOn = p.DeviceOn
		return marshalReply(t, 0, struct{}{})
	default:
		t.Errorf("unexpected method: %s", method)
		return marshalReply(t, -2, nil)
	}
}

func marshalReply(t *testing.T, errorCode int, result any) []byte {
	reply, err := json.Marshal(struct {
		Result    any `json:"result,omitempty"`
		ErrorCode int `json:"error_code"`
	}{
		Result:    result,
		ErrorCode: errorCode,
	})
	require.NoError(t, err)
	return reply
}
