package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"apek/internal/store"
)

// ADC is the blocking converter capture: one temperature and one supply
// sample, both 12-bit.
type ADC interface {
	Capture(ctx context.Context) (temp, volt uint16, err error)
}

// Factory calibration of the on-die sensor at 30 °C and 85 °C, used when the
// record store holds none.
const (
	DefaultCal30 uint16 = 1848
	DefaultCal85 uint16 = 2113
)

// TempModel maps a raw sample to tenths of a degree Celsius.
type TempModel struct {
	SlopeDC  float64
	OffsetDC float64
}

func NewTempModel(cal30, cal85 uint16) TempModel {
	if cal85 <= cal30 {
		cal30, cal85 = DefaultCal30, DefaultCal85
	}
	slope := (850.0 - 300.0) / (float64(cal85) - float64(cal30))
	return TempModel{SlopeDC: slope, OffsetDC: 300.0 - slope*float64(cal30)}
}

// DeciCelsius converts a raw temperature sample.
func (m TempModel) DeciCelsius(raw uint16) int16 {
	return int16(m.SlopeDC*float64(raw) + m.OffsetDC)
}

// Millivolts converts a raw supply sample (Vdd/2 against a 1.93 V span).
func Millivolts(raw uint16) int16 {
	return int16(float64(raw) * (3860.0 / 4095.0))
}

// LoadTempModel reads the calibration pair from the record store. A missing
// record yields the compiled default with ok=false.
func LoadTempModel(ctx context.Context, st store.Store) (m TempModel, ok bool, err error) {
	def := NewTempModel(DefaultCal30, DefaultCal85)
	if st == nil {
		return def, false, nil
	}
	b, ok, err := st.Get(ctx, store.RecordTempModel)
	if err != nil || !ok || len(b) < 4 {
		return def, false, err
	}
	return NewTempModel(binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])), true, nil
}

// SaveTempModel stores a calibration pair.
func SaveTempModel(ctx context.Context, st store.Store, cal30, cal85 uint16) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], cal30)
	binary.BigEndian.PutUint16(b[2:4], cal85)
	return st.Put(ctx, store.RecordTempModel, b)
}

// Report is the LF context of the wakeup that triggered the dialog.
type Report struct {
	RSSI      [3]byte
	WakeEvent byte
	RxData    [8]byte
}

// Report TLV tags.
const (
	TagTemp   = 'T'
	TagVolt   = 'V'
	TagRSSI   = 'R'
	TagEvent  = 'E'
	TagRxData = 'D'
)

// ReportPort is both UDP ports of the report.
const ReportPort = 255

// ReportSize is the fixed size of the stored report snapshot.
const ReportSize = 23

// ADCPacket returns the applet that samples the ADC, builds the TLV report
// and stores a snapshot as the report record for automated reporting.
func ADCPacket(adc ADC, model TempModel, st store.Store, rep Report) Applet {
	return func(ctx context.Context, s *Session) error {
		temp, volt, err := adc.Capture(ctx)
		if err != nil {
			return fmt.Errorf("session: adc capture: %w", err)
		}

		req := s.OpenRequest(Broadcast).
			Command(CmdTypeRequest, OpUDPOnFile, ExtNoResponse).
			Ports(ReportPort, ReportPort)
		BuildReport(req, model.DeciCelsius(temp), Millivolts(volt), rep)
		if err := req.Err(); err != nil {
			return err
		}

		if st != nil {
			snap := make([]byte, ReportSize)
			copy(snap, req.Payload())
			if err := st.Put(ctx, store.RecordReport, snap); err != nil {
				return fmt.Errorf("session: store report: %w", err)
			}
		}
		return nil
	}
}

// BuildReport writes the T, V, R, E elements, plus D when the dialog was
// triggered by an LF wakeup.
func BuildReport(req *Request, deciC, mV int16, rep Report) {
	_ = req.WriteByte(TagTemp)
	_ = req.WriteShort(deciC)
	_ = req.WriteByte(TagVolt)
	_ = req.WriteShort(mV)
	_ = req.WriteByte(TagRSSI)
	_, _ = req.Write(rep.RSSI[:])
	_ = req.WriteByte(TagEvent)
	_ = req.WriteByte(rep.WakeEvent)
	if rep.WakeEvent != 0 {
		_ = req.WriteByte(TagRxData)
		_, _ = req.Write(rep.RxData[:])
	}
}

// FixedADC always returns the same samples.
type FixedADC struct {
	Temp, Volt uint16
	Err        error
}

func (f FixedADC) Capture(ctx context.Context) (uint16, uint16, error) {
	_ = ctx
	return f.Temp, f.Volt, f.Err
}
