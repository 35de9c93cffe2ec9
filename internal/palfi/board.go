package palfi

// Core is the SPI link to the PaLFi core. Both calls block for the whole
// transaction; the core holds BUSY for 10-30 ms per byte.
type Core interface {
	// Write sends a length-prefixed frame, length byte included.
	Write(frame []byte) error
	// Read clocks len(dst) dummy bytes and stores the replies.
	Read(dst []byte) error
}

// Board is the keyfob around the core: port pins, the SPI peripheral and
// the capture timer clocked from the core's CLKOUT.
type Board interface {
	Core

	SPIStartup() error
	SPIShutdown()

	// SW2Held samples the switch wired to the MCU, not the core.
	SW2Held() bool

	SetBypass(on bool) // on disables the DC/DC converter
	SetVCLD(on bool)   // VCL charging
	SetLED(on bool)

	TimerReset()
	TimerStart() // continuous from the reference clock, capture flag cleared
	Capture() uint16
}

// SPI command frames.
var (
	cmdStatus    = []byte{0x00}
	cmdPowerdown = []byte{0x03, 0xF3, 0x41, 0x0F}
	cmdRSSI      = []byte{0x03, 0xF3, 0x44, 0x00}
)

const (
	baseTrimSwitch = 0x38
	baseMeasure    = 0x88
)

// programFrame builds the channel programming command. trim lands in the
// selected channel's slot only; its MSB is cleared so the value never locks.
func programFrame(channel int, trim, base uint8) []byte {
	f := []byte{6, 0xF3, 0x02, 0, 0, 0, 0}
	f[3] = base + uint8(channel)
	if channel == 3 {
		f[3]++
	}
	if channel >= 1 && channel <= 3 {
		f[3+channel] = trim &^ 0x80
	}
	return f
}
