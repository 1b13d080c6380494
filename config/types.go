package config

import (
	"fmt"
	"time"

	"plugboard/types"
)

type AppConfig struct {
	DiscoveryIntervalSeconds int         `yaml:"discoveryIntervalSeconds"`
	EnablePowerMonitoring    bool        `yaml:"enablePowerMonitoring"`
	Log                      Log         `yaml:"log"`
	UI                       UI          `yaml:"ui"`
	Discovery                Discovery   `yaml:"discovery"`
	Devices                  []Device    `yaml:"devices"`
	Tapo                     Credentials `yaml:"tapo"`
	MQTT                     MQTT        `yaml:"mqtt"`
	Alerts                   Alerts      `yaml:"alerts"`
}

type Log struct {
	Level string `yaml:"level"`
}

type UI struct {
	Listen          string `yaml:"listen"`
	ShowAddressInUi bool   `yaml:"showAddressInUi"`
}

type Discovery struct {
	Broadcast        string `yaml:"broadcast"`
	ProbeWaitSeconds int    `yaml:"probeWaitSeconds"`
	Attempts         int    `yaml:"attempts"`
}

type Device struct {
	Name  string `yaml:"name"`
	Ip    string `yaml:"ip"`
	Model string `yaml:"model"`
}

type Credentials struct {
	EmailAddress string `yaml:"email"`
	Password     string `yaml:"password"`
}

type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientId    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topicPrefix"`
}

type Alerts struct {
	MailgunDomain   string   `yaml:"mailgunDomain"`
	MailgunApiKey   string   `yaml:"mailgunApiKey"`
	Sender          string   `yaml:"sender"`
	Recipients      []string `yaml:"recipients"`
	CooldownMinutes int      `yaml:"cooldownMinutes"`
}

// Defaults returns the configuration used when no file overrides it. Load
// unmarshals on top of this, so absent keys keep their default value.
func Defaults() AppConfig {
	return AppConfig{
		DiscoveryIntervalSeconds: 60,
		EnablePowerMonitoring:    true,
		Log:                      Log{Level: "info"},
		UI:                       UI{Listen: ":8080", ShowAddressInUi: true},
		Discovery:                Discovery{Broadcast: "255.255.255.255:9999", ProbeWaitSeconds: 2, Attempts: 2},
		MQTT:                     MQTT{ClientId: "plugboard", TopicPrefix: "plugboard"},
		Alerts:                   Alerts{CooldownMinutes: 60},
	}
}

func (c *AppConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

func (d Discovery) ProbeWait() time.Duration {
	return time.Duration(d.ProbeWaitSeconds) * time.Second
}

func (m MQTT) Enabled() bool {
	return m.Broker != ""
}

func (a Alerts) Enabled() bool {
	return a.MailgunDomain != "" && a.MailgunApiKey != "" && a.Sender != "" && len(a.Recipients) > 0
}

func (a Alerts) Cooldown() time.Duration {
	return time.Duration(a.CooldownMinutes) * time.Minute
}

// StaticDevices converts the configured device list into the shared model.
// Only call after validation; unknown models panic here.
func (c *AppConfig) StaticDevices() []types.DeviceConfig {
	var devices = make([]types.DeviceConfig, 0, len(c.Devices))
	for _, dev := range c.Devices {
		model, err := types.DeviceModelFor(dev.Model)
		if err != nil {
			panic(err)
		}
		devices = append(devices, types.DeviceConfig{Name: dev.Name, Model: model, Ip: dev.Ip})
	}
	return devices
}

func (c *AppConfig) validate() error {
	if c.DiscoveryIntervalSeconds <= 0 {
		return fmt.Errorf("discoveryIntervalSeconds must be positive, got %d", c.DiscoveryIntervalSeconds)
	}
	if c.Discovery.ProbeWaitSeconds <= 0 {
		return fmt.Errorf("discovery.probeWaitSeconds must be positive, got %d", c.Discovery.ProbeWaitSeconds)
	}
	if c.Discovery.Attempts < 1 {
		return fmt.Errorf("discovery.attempts must be at least 1, got %d", c.Discovery.Attempts)
	}
	var needsTapoCredentials = false
	for _, dev := range c.Devices {
		model, err := types.DeviceModelFor(dev.Model)
		if err != nil {
			return fmt.Errorf("device %q: %w", dev.Name, err)
		}
		if _, err := types.ParseAddress(dev.Ip); err != nil {
			return fmt.Errorf("device %q: %w", dev.Name, err)
		}
		if types.IsTapoModel(model) {
			needsTapoCredentials = true
		}
	}
	if needsTapoCredentials && (c.Tapo.EmailAddress == "" || c.Tapo.Password == "") {
		return fmt.Errorf("tapo devices are configured but tapo credentials are missing")
	}
	return nil
}
