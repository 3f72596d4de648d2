// Command energycore runs the energy-telemetry core: it opens the
// Archive, loads configuration, starts whichever device ingest sources
// are configured, wires the Balance Aggregator and Sampler through
// manager.Manager, and serves the RPC surface over HTTP+websocket.
//
// Replaces the teacher's root main.go and cmd/interpreter_api /
// cmd/meter_collector, which served a single hardcoded device type
// directly; this binary generalizes that to the Registry-based Device
// interface of spec.md §6.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/NotCoffee418/nymea-energycore/pkg/archive"
	"github.com/NotCoffee418/nymea-energycore/pkg/config"
	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/ingest/dsmr"
	"github.com/NotCoffee418/nymea-energycore/pkg/ingest/solarmeter"
	"github.com/NotCoffee418/nymea-energycore/pkg/manager"
	"github.com/NotCoffee418/nymea-energycore/pkg/pathing"
	"github.com/NotCoffee418/nymea-energycore/pkg/rpc"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// rootMeterID is the fixed identity given to the single DSMR device this
// binary ever registers; a real registry outside the core would assign
// these per paired device instead.
var rootMeterID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// solarProducerID is the fixed identity given to the optional solar
// inverter device.
var solarProducerID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("energycore: failed to load config: %v", err)
	}

	logPluginPaths()

	arc := archive.Open(pathing.GetArchivePath())
	if arc.Degraded() {
		log.Printf("energycore: archive is running in degraded mode, sampling disabled")
	}

	registry := devices.NewMemRegistry()
	registry.AddDevice(devices.Device{
		ID:         rootMeterID,
		Name:       "DSMR meter",
		Interfaces: []types.Interface{types.InterfaceEnergyMeter},
	})

	startDSMR(registry)
	startSolarMeter(registry)

	mgr := manager.New(arc, registry)
	mgr.Start()
	defer mgr.Stop()

	server := rpc.New(mgr)
	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"nymea energy core","status":"running"}`)
	})

	listener := fmt.Sprintf("%s:%d", config.Active.ListenAddress, config.Active.ListenPort)
	log.Printf("energycore: listening on %s", listener)
	log.Fatal(http.ListenAndServe(listener, mux))
}

func startDSMR(registry devices.Registry) {
	reader := dsmr.New(config.Active.DSMRSerialDevice, config.Active.DSMRBaudrate)
	if err := reader.Start(registry, rootMeterID, func(err error) {
		log.Printf("energycore: dsmr reader stopped: %v", err)
	}); err != nil {
		log.Printf("energycore: failed to start dsmr reader: %v", err)
		log.Println("energycore: continuing without a live meter; RPC and sampling remain available")
	}
}

func startSolarMeter(registry devices.Registry) {
	reader := solarmeter.New(config.Active.SolarInverterIp, config.Active.SolarInverterModbusPort, config.Active.WlanConnectionId)
	if !reader.Configured() {
		log.Println("energycore: solar inverter not configured, skipping")
		return
	}

	registry.(*devices.MemRegistry).AddDevice(devices.Device{
		ID:         solarProducerID,
		Name:       "Solar inverter",
		Interfaces: []types.Interface{types.InterfaceSmartMeterProducer},
	})
	reader.Start(registry, solarProducerID, func(err error) {
		log.Printf("energycore: solar inverter poll failed: %v", err)
	})
}

// logPluginPaths recognizes NYMEA_ENERGY_PLUGINS_PATH/_EXTRA_PATH per
// spec.md §6 without implementing plugin loading, which lives entirely
// outside this core.
func logPluginPaths() {
	if p := os.Getenv("NYMEA_ENERGY_PLUGINS_PATH"); p != "" {
		log.Printf("energycore: NYMEA_ENERGY_PLUGINS_PATH=%s (plugin loading not implemented by this core)", p)
	}
	if p := os.Getenv("NYMEA_ENERGY_PLUGINS_EXTRA_PATH"); p != "" {
		log.Printf("energycore: NYMEA_ENERGY_PLUGINS_EXTRA_PATH=%s (plugin loading not implemented by this core)", p)
	}
}
