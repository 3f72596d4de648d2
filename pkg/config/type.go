package config

// EnergyConfig is the persisted content of energy.conf (spec.md §6): the
// single configuration value the core needs to survive a restart, plus
// the ingest-side settings for the concrete device sources shipped with
// this repo (DSMR serial reader, Modbus solar inverter reader).
type EnergyConfig struct {
	// RootMeterThingId is the empty string when no root meter is set.
	RootMeterThingId string `toml:"root_meter_thing_id"`

	DSMRSerialDevice string `toml:"dsmr_serial_device"`
	DSMRBaudrate     uint   `toml:"dsmr_baudrate"`

	SolarInverterIp         string `toml:"solar_inverter_ip"`
	SolarInverterModbusPort int    `toml:"solar_inverter_modbus_port"`
	WlanConnectionId        string `toml:"wlan_connection_id"`

	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
}
