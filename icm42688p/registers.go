package icm42688p

import "fmt"

// Bit masks
const (
	Bit0 uint8 = 1 << iota
	Bit1
	Bit2
	Bit3
	Bit4
	Bit5
	Bit6
	Bit7
)

// Register is a user bank 0 register address
type Register uint8

// Bank 0 registers
const (
	DEVICE_CONFIG     Register = 0x11
	INT_CONFIG        Register = 0x14
	FIFO_CONFIG       Register = 0x16
	TEMP_DATA1        Register = 0x1D
	TEMP_DATA0        Register = 0x1E
	INT_STATUS        Register = 0x2D
	FIFO_COUNTH       Register = 0x2E
	FIFO_COUNTL       Register = 0x2F
	FIFO_DATA         Register = 0x30
	SIGNAL_PATH_RESET Register = 0x4B
	PWR_MGMT0         Register = 0x4E
	GYRO_CONFIG0      Register = 0x4F
	ACCEL_CONFIG0     Register = 0x50
	FIFO_CONFIG1      Register = 0x5F
	FIFO_CONFIG2      Register = 0x60
	FIFO_CONFIG3      Register = 0x61
	INT_CONFIG0       Register = 0x63
	INT_CONFIG1       Register = 0x64
	INT_SOURCE0       Register = 0x65
	WHO_AM_I          Register = 0x75
	REG_BANK_SEL      Register = 0x76
)

const (
	DIR_READ uint8 = 0x80

	WHOAMI uint8 = 0x47

	BANK_0 uint8 = 0
)

var registerNames = map[Register]string{
	DEVICE_CONFIG:     "DEVICE_CONFIG",
	INT_CONFIG:        "INT_CONFIG",
	FIFO_CONFIG:       "FIFO_CONFIG",
	TEMP_DATA1:        "TEMP_DATA1",
	TEMP_DATA0:        "TEMP_DATA0",
	INT_STATUS:        "INT_STATUS",
	FIFO_COUNTH:       "FIFO_COUNTH",
	FIFO_COUNTL:       "FIFO_COUNTL",
	FIFO_DATA:         "FIFO_DATA",
	SIGNAL_PATH_RESET: "SIGNAL_PATH_RESET",
	PWR_MGMT0:         "PWR_MGMT0",
	GYRO_CONFIG0:      "GYRO_CONFIG0",
	ACCEL_CONFIG0:     "ACCEL_CONFIG0",
	FIFO_CONFIG1:      "FIFO_CONFIG1",
	FIFO_CONFIG2:      "FIFO_CONFIG2",
	FIFO_CONFIG3:      "FIFO_CONFIG3",
	INT_CONFIG0:       "INT_CONFIG0",
	INT_CONFIG1:       "INT_CONFIG1",
	INT_SOURCE0:       "INT_SOURCE0",
	WHO_AM_I:          "WHO_AM_I",
	REG_BANK_SEL:      "REG_BANK_SEL",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(r))
}

// DEVICE_CONFIG
const (
	SOFT_RESET_CONFIG = Bit0 // 1: Enable reset
)

// INT_CONFIG
const (
	INT1_DRIVE_CIRCUIT = Bit1 // 1: Push pull
	INT1_POLARITY      = Bit0 // 1: Active high
)

// FIFO_CONFIG
const (
	// 11: STOP-on-FULL Mode
	FIFO_MODE_STOP_ON_FULL = Bit7 | Bit6
)

// INT_STATUS
const (
	RESET_DONE_INT = Bit4
	DATA_RDY_INT   = Bit3
	FIFO_THS_INT   = Bit2
	FIFO_FULL_INT  = Bit1
)

// SIGNAL_PATH_RESET
const (
	FIFO_FLUSH = Bit1
)

// PWR_MGMT0
const (
	GYRO_MODE_LOW_NOISE  = Bit3 | Bit2 // 11: Low Noise (LN) Mode
	ACCEL_MODE_LOW_NOISE = Bit1 | Bit0 // 11: Low Noise (LN) Mode
)

// GYRO_CONFIG0 / ACCEL_CONFIG0
const (
	// FS_SEL [7:5] 000: +-2000 dps / +-16 g
	FS_SEL_MASK = Bit7 | Bit6 | Bit5

	// ODR [3:0]
	ODR_MASK  = Bit3 | Bit2 | Bit1 | Bit0
	ODR_8kHz  = 0x03
	ODR_4kHz  = 0x04
	ODR_2kHz  = 0x05
	ODR_1kHz  = 0x06
	ODR_500Hz = 0x0F
	ODR_200Hz = 0x07
	ODR_100Hz = 0x08
	ODR_50Hz  = 0x09
	ODR_25Hz  = 0x0A
)

// FIFO_CONFIG1
const (
	FIFO_WM_GT_TH  = Bit5
	FIFO_TEMP_EN   = Bit2
	FIFO_GYRO_EN   = Bit1
	FIFO_ACCEL_EN  = Bit0
	FIFO_WM_HI_MSK = Bit3 | Bit2 | Bit1 | Bit0 // FIFO_CONFIG3 FIFO_WM[11:8]
)

// INT_CONFIG0
const (
	// FIFO_THS_INT_CLEAR 10: Clear on FIFO data 1Byte Read
	CLEAR_ON_FIFO_READ = Bit3
)

// INT_CONFIG1
const (
	INT_TPULSE_DURATION = Bit6 // 1: Interrupt pulse duration is 8 us
)

// INT_SOURCE0
const (
	FIFO_THS_INT1_EN = Bit2
)

// FIFO packet 3 header
const (
	HEADER_MSG             = Bit7 // empty FIFO or invalid packet
	HEADER_ACCEL           = Bit6
	HEADER_GYRO            = Bit5
	HEADER_20              = Bit4
	HEADER_TIMESTAMP_FSYNC = Bit3 | Bit2
	HEADER_ODR_ACCEL       = Bit1
	HEADER_ODR_GYRO        = Bit0
)

// FIFO geometry
const (
	FIFOSize        = 2048 // bytes
	PacketSize      = 16   // FIFO packet 3: header, accel, gyro, temperature, timestamp
	FIFOSizeSamples = FIFOSize / PacketSize

	// RegisterTableSize is the number of verified bank 0 registers
	RegisterTableSize = 11
)

// DefaultOutputDataRate is the gyro and accel data rate when none is configured
const DefaultOutputDataRate = 8000 // Hz

// outputDataRates maps the supported low noise data rates in Hz to their
// ODR field. Gyro and accel always run at the same rate.
var outputDataRates = map[int]uint8{
	8000: ODR_8kHz,
	4000: ODR_4kHz,
	2000: ODR_2kHz,
	1000: ODR_1kHz,
	500:  ODR_500Hz,
	200:  ODR_200Hz,
	100:  ODR_100Hz,
	50:   ODR_50Hz,
	25:   ODR_25Hz,
}

// ValidOutputDataRate reports whether hz is a data rate the sensor supports
func ValidOutputDataRate(hz int) bool {
	_, ok := outputDataRates[hz]
	return ok
}
