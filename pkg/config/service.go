package config

import (
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/nymea-energycore/pkg/pathing"
)

var (
	Active   *EnergyConfig
	activeMu sync.Mutex
)

// Load reads energy.conf, creating it with defaults if it doesn't exist
// yet, following the same load-or-create-default pattern as the
// teacher's pkg/config.
func Load() error {
	activeMu.Lock()
	defer activeMu.Unlock()

	configPath := pathing.GetConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &EnergyConfig{
			DSMRSerialDevice:        "/dev/ttyUSB0",
			DSMRBaudrate:            115200,
			SolarInverterIp:         "",
			SolarInverterModbusPort: 502,
			WlanConnectionId:        "",
			ListenAddress:           "0.0.0.0",
			ListenPort:              9091,
		}
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return err
		}
		Active = cfg
		return nil
	}

	var cfg EnergyConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return err
	}
	Active = &cfg
	return nil
}

// SaveRootMeterThingId persists the chosen root-meter identifier,
// mirroring EnergyManagerImpl::setRootMeter's QSettings write in the
// original source. An empty id clears the setting.
func SaveRootMeterThingId(thingID string) error {
	activeMu.Lock()
	defer activeMu.Unlock()

	if Active == nil {
		Active = &EnergyConfig{}
	}
	Active.RootMeterThingId = thingID

	cfgFile, err := os.Create(pathing.GetConfigPath())
	if err != nil {
		return err
	}
	defer cfgFile.Close()
	return toml.NewEncoder(cfgFile).Encode(Active)
}
