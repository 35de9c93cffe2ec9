package palfi

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"apek/internal/store"
)

const calibrationVersion = 1

// Calibration is the outcome of an SPI trimming run.
type Calibration struct {
	Trim [3]int8
	TLow [3]float64
}

// LoadCalibration reads the calibration record. A missing record is not an
// error: ok is false and the caller keeps its defaults.
func LoadCalibration(ctx context.Context, st store.Store) (Calibration, bool, error) {
	if st == nil {
		return Calibration{}, false, nil
	}
	b, ok, err := st.Get(ctx, store.RecordCalibration)
	if err != nil || !ok {
		return Calibration{}, false, err
	}
	if len(b) < 16 || b[3] != calibrationVersion {
		return Calibration{}, false, fmt.Errorf("palfi: malformed calibration record (%d bytes)", len(b))
	}
	var cal Calibration
	for i := 0; i < 3; i++ {
		cal.Trim[i] = int8(b[i])
		cal.TLow[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b[4+4*i:])))
	}
	return cal, true, nil
}

// SaveCalibration writes the record: three trim bytes, a version byte,
// then the untrimmed periods as float32.
func SaveCalibration(ctx context.Context, st store.Store, cal Calibration) error {
	b := make([]byte, 16)
	for i := 0; i < 3; i++ {
		b[i] = byte(cal.Trim[i])
		binary.BigEndian.PutUint32(b[4+4*i:], math.Float32bits(float32(cal.TLow[i])))
	}
	b[3] = calibrationVersion
	return st.Put(ctx, store.RecordCalibration, b)
}
