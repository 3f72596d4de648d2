package dsmr

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
)

// buildTelegram assembles a minimal valid DSMR telegram body followed
// by a correctly computed CRC16/ARC trailer, the same way a real meter
// would frame it.
func buildTelegram(body string) string {
	data := body + "!"
	table := crc16.MakeTable(crc16.CRC16_ARC)
	sum := crc16.Checksum([]byte(data), table)
	return fmt.Sprintf("%s%04X\r\n", data, sum)
}

func TestValidateCRC_AcceptsCorrectlyFramedTelegram(t *testing.T) {
	tg := buildTelegram("/ISk5\\2MT382-1000\r\n\r\n1-0:1.7.0(00.350*kW)\r\n")
	assert.True(t, validateCRC(tg))
}

func TestValidateCRC_RejectsTamperedBody(t *testing.T) {
	tg := buildTelegram("1-0:1.7.0(00.350*kW)\r\n")
	tampered := strings.Replace(tg, "00.350", "99.999", 1)
	assert.False(t, validateCRC(tampered))
}

func TestParseTelegram_ExtractsNetConsumptionWatts(t *testing.T) {
	body := "1-0:1.7.0(00.500*kW)\r\n1-0:2.7.0(00.200*kW)\r\n"
	tg := buildTelegram(body)

	reading := parseTelegram(tg)
	if assert.NotNil(t, reading) {
		assert.InDelta(t, 300.0, reading.CurrentConsumptionW, 1e-6)
	}
}

func TestParseTelegram_SumsTariffRegistersIntoTotals(t *testing.T) {
	body := "1-0:1.8.1(01.500*kWh)\r\n1-0:1.8.2(02.500*kWh)\r\n" +
		"1-0:2.8.1(00.100*kWh)\r\n1-0:2.8.2(00.200*kWh)\r\n"
	tg := buildTelegram(body)

	reading := parseTelegram(tg)
	if assert.NotNil(t, reading) {
		assert.InDelta(t, 4.0, reading.TotalConsumedKWH, 1e-6)
		assert.InDelta(t, 0.3, reading.TotalProducedKWH, 1e-6)
	}
}

func TestParseTelegram_RejectsInvalidCRC(t *testing.T) {
	tg := buildTelegram("1-0:1.7.0(00.500*kW)\r\n")
	corrupted := tg[:len(tg)-6] + "0000\r\n"
	assert.Nil(t, parseTelegram(corrupted))
}
