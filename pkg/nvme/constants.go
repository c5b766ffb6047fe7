package nvme

import "time"

// Admin command opcodes
const (
	AdminGetLogPage  uint8 = 0x02
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0A
	AdminAsyncEvent  uint8 = 0x0C
	AdminKeepAlive   uint8 = 0x18
	// AdminSetActive is the vendor command that makes a namespace the
	// active path of its multipath group.
	AdminSetActive uint8 = 0xFE
)

// I/O command opcodes
const (
	CmdFlush uint8 = 0x00
	CmdWrite uint8 = 0x01
	CmdRead  uint8 = 0x02
	CmdDSM   uint8 = 0x09

	DSMAttrDeallocate uint32 = 1 << 2
)

// Queue ids. Zero is the admin queue.
const (
	AdminQueueID uint16 = 0
)

// Register offsets
const (
	RegCAP  uint32 = 0x00
	RegVS   uint32 = 0x08
	RegCC   uint32 = 0x14
	RegCSTS uint32 = 0x1c
)

// Controller configuration bits
const (
	CCEnable    uint32 = 1 << 0
	CCCSSNVM    uint32 = 0 << 4
	CCMPSShift         = 7
	CCArbRR     uint32 = 0 << 11
	CCShnNone   uint32 = 0 << 14
	CCShnNormal uint32 = 1 << 14
	CCShnAbrupt uint32 = 2 << 14
	CCShnMask   uint32 = 3 << 14
	CCIOSQES    uint32 = 6 << 16
	CCIOCQES    uint32 = 4 << 20
)

// Controller status bits
const (
	CSTSReady      uint32 = 1 << 0
	CSTSFatal      uint32 = 1 << 1
	CSTSShstNormal uint32 = 0 << 2
	CSTSShstOccur  uint32 = 1 << 2
	CSTSShstCmplt  uint32 = 2 << 2
	CSTSShstMask   uint32 = 3 << 2
	// CSTSProcessingPaused is set while a firmware activation is in progress.
	CSTSProcessingPaused uint32 = 1 << 5
)

// CAPTimeout returns the worst case enable/disable ready time encoded in CAP.
func CAPTimeout(capReg uint64) time.Duration {
	return time.Duration((capReg>>24)&0xff+1) * 500 * time.Millisecond
}

// CAPMinPageShift returns the minimum memory page size shift encoded in CAP.
func CAPMinPageShift(capReg uint64) uint {
	return uint((capReg>>48)&0xf) + 12
}

// CAPMaxQueueEntries returns MQES+1.
func CAPMaxQueueEntries(capReg uint64) uint32 {
	return uint32(capReg&0xffff) + 1
}

// Completion status codes (status field with the phase bit removed)
const (
	SCSuccess          uint16 = 0x0
	SCInvalidOpcode    uint16 = 0x1
	SCInvalidField     uint16 = 0x2
	SCDataXferError    uint16 = 0x4
	SCInternal         uint16 = 0x6
	SCAbortReq         uint16 = 0x7
	SCONCSNotSupported uint16 = 0xb
	SCLBARange         uint16 = 0x80
	SCCapExceeded      uint16 = 0x81
	SCNSNotReady       uint16 = 0x82
	SCWriteFault       uint16 = 0x280
	SCReadError        uint16 = 0x281
	SCUnwrittenBlock   uint16 = 0x287

	SCMask uint16 = 0x7ff
	SCMore uint16 = 0x2000
	SCDNR  uint16 = 0x4000
)

// Async event results, matched against result & AERMask
const (
	AERMask                uint32 = 0xff07
	AERNoticeNSChanged     uint32 = 0x0002
	AERNoticeFWActStarting uint32 = 0x0102
)

// Log pages
const (
	LogFirmwareSlot uint8 = 0x03
	NSIDAll         uint32 = 0xffffffff
)
