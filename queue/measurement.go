package queue

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RecordSize is the size of one Measurement on disk.
const RecordSize = 20

// Measurement is a single distance reading.
type Measurement struct {
	// TimeS is the wall clock time of the reading in Unix seconds.
	TimeS uint64 `json:"timeS"`
	// DistanceMM is the distance from the sensor to the water surface.
	DistanceMM uint32 `json:"distanceMM"`
	// BatteryVoltage is the battery voltage at the time of the reading.
	BatteryVoltage float64 `json:"batteryVoltage"`
}

// MarshalBinary encodes m as a 20 byte little-endian record: time, distance,
// then the IEEE 754 battery voltage.
func (m Measurement) MarshalBinary() ([]byte, error) {
	return m.appendRecord(make([]byte, 0, RecordSize)), nil
}

func (m Measurement) appendRecord(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.TimeS)
	b = binary.LittleEndian.AppendUint32(b, m.DistanceMM)
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(m.BatteryVoltage))
}

func (m *Measurement) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("%w: record is %d bytes, want %d", ErrCorruptRecord, len(b), RecordSize)
	}
	m.TimeS = binary.LittleEndian.Uint64(b[0:8])
	m.DistanceMM = binary.LittleEndian.Uint32(b[8:12])
	m.BatteryVoltage = math.Float64frombits(binary.LittleEndian.Uint64(b[12:20]))
	return nil
}
