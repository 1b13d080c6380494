package kasa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const sysInfoBody = `{"system":{"get_sysinfo":null}}`
const eMeterRealTimeBody = `{"emeter":{"get_realtime":{}}}`
const relayOnBody = `{"system":{"set_relay_state":{"state":1}}}`
const relayOffBody = `{"system":{"set_relay_state":{"state":0}}}`

// Plugs report their type under "type"; bulbs report theirs under
// "mic_type" with the value IOT.SMARTBULB.
const plugSystemType = "IOT.SMARTPLUGSWITCH"

// sysInfo carries the subset of the get_sysinfo reply this service reads.
// Captured reply from an HS110(UK), fw 1.5.10:
// {"system":{"get_sysinfo":{"sw_ver":"1.5.10 Build 191125 Rel.094314","hw_ver":"2.1","type":"IOT.SMARTPLUGSWITCH","model":"HS110(UK)","mac":"AA:00:11:BB:22:33","dev_name":"Smart Wi-Fi Plug With Energy Monitoring","alias":"Kettle","relay_state":1,"on_time":5332,"active_mode":"none","feature":"TIM:ENE","updating":0,"icon_hash":"","rssi":-61,"led_off":0,"longitude_i":0,"latitude_i":0,"hwId":"00112233445566778899AA00BB00CC00","fwId":"00000000000000000000000000000000","deviceId":"AABB0011CC22DD33EE44FF550011CC33FF55AA77","oemId":"E57A51C2293DD01A3171CD7949972746","next_action":{"type":-1},"err_code":0}}}
type sysInfo struct {
	ErrCode    int    `mapstructure:"err_code"`
	Alias      string `mapstructure:"alias"`
	Model      string `mapstructure:"model"`
	DeviceId   string `mapstructure:"deviceId"`
	Type       string `mapstructure:"type"`
	MicType    string `mapstructure:"mic_type"`
	Mac        string `mapstructure:"mac"`
	MicMac     string `mapstructure:"mic_mac"`
	RelayState int    `mapstructure:"relay_state"`
	LedOff     int    `mapstructure:"led_off"`
	Updating   int    `mapstructure:"updating"`
	Rssi       int    `mapstructure:"rssi"`
}

func (si *sysInfo) systemType() string {
	if si.Type != "" {
		return si.Type
	}
	return si.MicType
}

func (si *sysInfo) isPlug() bool {
	return si.systemType() == plugSystemType
}

func (si *sysInfo) normalisedMac() string {
	if si.Mac != "" { // plugs: AA:00:11:BB:22:33
		return strings.ReplaceAll(si.Mac, ":", "")
	}
	return si.MicMac // bulbs: AA0011BB2233
}

func parseSysInfo(payload []byte) (*sysInfo, error) {
	data, err := replySection(payload, "system", "get_sysinfo")
	if err != nil {
		return nil, err
	}
	var info sysInfo
	if err := mapstructure.Decode(data, &info); err != nil {
		return nil, fmt.Errorf("could not decode sysinfo reply: %w", err)
	}
	if info.ErrCode != 0 {
		return nil, fmt.Errorf("call to fetch system info failed with err_code %d", info.ErrCode)
	}
	return &info, nil
}

// eMeterRealtime mirrors the emeter get_realtime reply. Hardware v2
// reports milliwatts under "power_mw"; v1 firmwares report watts under
// "power". e.g.
// {"emeter":{"get_realtime":{"voltage_mv":236213,"current_ma":99,"power_mw":23400,"total_wh":1059,"err_code":0}}}
type eMeterRealtime struct {
	ErrCode int      `mapstructure:"err_code"`
	PowerMw *float64 `mapstructure:"power_mw"`
	Power   *float64 `mapstructure:"power"`
}

func (rt *eMeterRealtime) powerWatts() (watts float64, present bool) {
	if rt.PowerMw != nil {
		return *rt.PowerMw / 1000.0, true
	}
	if rt.Power != nil {
		return *rt.Power, true
	}
	return 0, false
}

func parseEMeterRealtime(payload []byte) (*eMeterRealtime, error) {
	data, err := replySection(payload, "emeter", "get_realtime")
	if err != nil {
		return nil, err
	}
	var realTime eMeterRealtime
	if err := mapstructure.Decode(data, &realTime); err != nil {
		return nil, fmt.Errorf("could not decode emeter reply: %w", err)
	}
	if realTime.ErrCode != 0 {
		return nil, fmt.Errorf("call to fetch emeter data failed with err_code %d", realTime.ErrCode)
	}
	return &realTime, nil
}

func checkRelayReply(payload []byte) error {
	data, err := replySection(payload, "system", "set_relay_state")
	if err != nil {
		return err
	}
	code, present := data["err_code"].(float64)
	if !present {
		return errors.New("set_relay_state reply carried no err_code")
	}
	if int(code) != 0 {
		return fmt.Errorf("set_relay_state failed with err_code %d", int(code))
	}
	return nil
}

func replySection(payload []byte, service, command string) (map[string]interface{}, error) {
	var reply map[string]map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("could not unmarshal reply as JSON: %w", err)
	}
	data, present := reply[service][command]
	if !present || data == nil {
		return nil, fmt.Errorf("reply did not contain %s.%s", service, command)
	}
	return data, nil
}
