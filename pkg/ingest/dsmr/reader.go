// Package dsmr is a concrete energymeter-tagged device source: it reads
// raw DSMR P1 telegrams off a serial port and republishes the three
// states the core cares about (currentPower, totalEnergyConsumed,
// totalEnergyProduced) as devices.StateChange events, per spec.md §6.
//
// Grounded on the teacher's pkg/port_reader: the telegram framing and
// CRC validation are kept unchanged; the OBIS regex table holds only the
// power and energy registers behind the three states the core's Device
// interface exposes, so other fields (voltage, current, tariff, gas,
// serials) are not parsed at all.
package dsmr

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"

	"github.com/NotCoffee418/nymea-energycore/pkg/devices"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

// maxConsecutiveErrors is the tolerance before the reader gives up and
// reports itself broken, matching the teacher's P1Reader.
const maxConsecutiveErrors = 10

var obisPatterns = map[string]*regexp.Regexp{
	"current_consumption":   regexp.MustCompile(`1-0:1\.7\.0\((\d+\.\d+)\*kW\)`),
	"current_production":    regexp.MustCompile(`1-0:2\.7\.0\((\d+\.\d+)\*kW\)`),
	"total_consumption_day":  regexp.MustCompile(`1-0:1\.8\.1\((\d+\.\d+)\*kWh\)`),
	"total_consumption_night": regexp.MustCompile(`1-0:1\.8\.2\((\d+\.\d+)\*kWh\)`),
	"total_production_day":   regexp.MustCompile(`1-0:2\.8\.1\((\d+\.\d+)\*kWh\)`),
	"total_production_night":  regexp.MustCompile(`1-0:2\.8\.2\((\d+\.\d+)\*kWh\)`),
}

// Reading is one parsed telegram, trimmed to the three states the core
// domain exposes through devices.StateChange.
type Reading struct {
	Timestamp           time.Time
	CurrentConsumptionW float64 // signed watts: net consumption minus net production
	TotalConsumedKWH    float64 // sum of day+night consumption registers
	TotalProducedKWH    float64 // sum of day+night production registers
}

// Reader polls a DSMR P1 serial port and turns each valid telegram into
// a Reading, mirroring the teacher's P1Reader lifecycle (connect, read
// loop, error tolerance, disconnect).
type Reader struct {
	port     string
	baudrate uint

	serialPort io.ReadWriteCloser

	mu      sync.RWMutex
	latest  *Reading
	stopped bool
}

// New creates a Reader for the given serial device and baud rate.
func New(port string, baudrate uint) *Reader {
	return &Reader{port: port, baudrate: baudrate}
}

// Latest returns the most recently parsed reading, or ok=false if none
// has arrived yet.
func (r *Reader) Latest() (Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Reading{}, false
	}
	return *r.latest, true
}

// Start connects to the serial port and runs the read loop in a
// goroutine, publishing each parsed Reading as a StateChange for
// thingID on registry. handleError is invoked once if the reader gives
// up after too many consecutive errors.
func (r *Reader) Start(registry devices.Registry, thingID types.ThingID, handleError func(error)) error {
	if err := r.connect(); err != nil {
		return err
	}

	go func() {
		consecutiveErrors := 0
		var lastError error

		for consecutiveErrors < maxConsecutiveErrors {
			r.mu.RLock()
			stopped := r.stopped
			r.mu.RUnlock()
			if stopped {
				r.disconnect()
				return
			}

			telegram, err := r.readTelegram()
			if err != nil {
				consecutiveErrors++
				lastError = err
				log.Printf("dsmr: error reading telegram (%d/%d): %v", consecutiveErrors, maxConsecutiveErrors, err)
				time.Sleep(time.Second)
				continue
			}

			reading := parseTelegram(telegram)
			if reading == nil {
				continue
			}

			r.mu.Lock()
			r.latest = reading
			r.mu.Unlock()

			consecutiveErrors = 0

			registry.(publisher).Publish(devices.StateChange{
				ThingID:             thingID,
				CurrentPower:        reading.CurrentConsumptionW,
				TotalEnergyConsumed: reading.TotalConsumedKWH,
				TotalEnergyProduced: reading.TotalProducedKWH,
				HasCurrentPower:     true,
				HasTotalConsumed:    true,
				HasTotalProduced:    true,
			})
		}

		log.Printf("dsmr: too many consecutive errors (%d), stopping reader: %v", maxConsecutiveErrors, lastError)
		r.disconnect()
		if handleError != nil {
			handleError(lastError)
		}
	}()

	return nil
}

// publisher is the narrow capability dsmr needs from a devices.Registry
// beyond the read-only Registry interface: the ability to push a new
// reading in. devices.MemRegistry implements it; a production registry
// living outside this module would too.
type publisher interface {
	Publish(devices.StateChange)
}

// Stop halts the read loop and closes the serial port.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *Reader) connect() error {
	options := serial.OpenOptions{
		PortName:        r.port,
		BaudRate:        r.baudrate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(options)
	if err != nil {
		return fmt.Errorf("dsmr: failed to open serial port: %w", err)
	}
	r.serialPort = port
	log.Printf("dsmr: connected to P1 port on %s", r.port)
	return nil
}

func (r *Reader) disconnect() {
	if r.serialPort != nil {
		r.serialPort.Close()
		log.Println("dsmr: disconnected from P1 port")
	}
}

func (r *Reader) readTelegram() (string, error) {
	if r.serialPort == nil {
		return "", fmt.Errorf("dsmr: serial port not connected")
	}

	var buffer strings.Builder
	var inTelegram bool
	reader := bufio.NewReader(r.serialPort)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}

		if strings.HasPrefix(line, "/") {
			buffer.Reset()
			buffer.WriteString(line)
			inTelegram = true
		} else if inTelegram {
			buffer.WriteString(line)
			if strings.HasPrefix(strings.TrimSpace(line), "!") {
				return buffer.String(), nil
			}
		}
	}
}

func validateCRC(telegram string) bool {
	parts := strings.Split(telegram, "!")
	if len(parts) != 2 || len(parts[1]) < 4 {
		return false
	}

	data := parts[0] + "!"
	givenCRC := parts[1][:4]

	table := crc16.MakeTable(crc16.CRC16_ARC)
	calcCRC := crc16.Checksum([]byte(data), table)
	calcCRCHex := fmt.Sprintf("%04X", calcCRC)

	return strings.ToUpper(givenCRC) == calcCRCHex
}

func parseTelegram(telegram string) *Reading {
	if !validateCRC(telegram) {
		log.Println("dsmr: invalid CRC, skipping telegram")
		return nil
	}

	reading := &Reading{Timestamp: time.Now()}

	var consumptionKW, productionKW float64
	var consumedDay, consumedNight, producedDay, producedNight float64

	fields := map[string]*float64{
		"current_consumption":     &consumptionKW,
		"current_production":      &productionKW,
		"total_consumption_day":   &consumedDay,
		"total_consumption_night": &consumedNight,
		"total_production_day":    &producedDay,
		"total_production_night":  &producedNight,
	}
	for name, dst := range fields {
		pattern := obisPatterns[name]
		if match := pattern.FindStringSubmatch(telegram); match != nil {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil {
				*dst = v
			}
		}
	}

	reading.CurrentConsumptionW = (consumptionKW - productionKW) * 1000
	reading.TotalConsumedKWH = consumedDay + consumedNight
	reading.TotalProducedKWH = producedDay + producedNight
	return reading
}
