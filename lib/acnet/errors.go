/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package acnet defines the control-network status-code model. A composite
// status is facility + 256*error_number where error_number is a signed
// 8-bit quantity: negative codes are errors, zero is success, positive
// codes are warnings that may accompany partial data.
package acnet

import "fmt"

// Facility codes.
const (
	FacilityACNET = 1  // core network errors
	FacilityDIO   = 14 // device I/O
	FacilityFTP   = 15 // fast time plot
	FacilityDBM   = 16 // database manager
	FacilityDPM   = 17 // data pool manager
)

// MakeError composes a status code from a facility and a signed error
// number in [-128, 127].
func MakeError(facility, errorNumber int) int {
	return facility + errorNumber*256
}

// ParseError decomposes a composite status code into its facility and
// signed error number.
func ParseError(code int) (facility, errorNumber int) {
	facility = code & 0xFF
	errorNumber = (code >> 8) & 0xFF
	if errorNumber > 127 {
		errorNumber -= 256
	}
	return facility, errorNumber
}

// NormalizeErrorCode maps an unsigned byte from the wire back to the
// signed int8 convention (values above 127 are negative).
func NormalizeErrorCode(code int) int {
	if code > 127 {
		return code - 256
	}
	return code
}

// Decomposed error numbers for Reading/WriteResult fields.
const (
	ErrOK      = 0
	ErrRetry   = -1  // generic retryable error (ACNET_RETRY)
	ErrTimeout = -6  // request timeout (ACNET_REQTMO)
	ErrNoProp  = -13 // property not found (DBM_NOPROP)
)

// ACNET facility composite codes.
var (
	AcnetOK           = 0
	AcnetPend         = MakeError(1, 1)
	AcnetEndMult      = MakeError(1, 2)
	AcnetReplyTimeout = MakeError(1, 3)
	AcnetDeprecated   = MakeError(1, 4)

	AcnetRetry        = MakeError(1, -1)
	AcnetNoLclMem     = MakeError(1, -2)
	AcnetNoRemMem     = MakeError(1, -3)
	AcnetRplyPack     = MakeError(1, -4)
	AcnetReqPack      = MakeError(1, -5)
	AcnetReqTmo       = MakeError(1, -6)
	AcnetQueFull      = MakeError(1, -7)
	AcnetBusy         = MakeError(1, -8)
	AcnetNotConnected = MakeError(1, -21)
	AcnetArg          = MakeError(1, -22)
	AcnetIvm          = MakeError(1, -23)
	AcnetNoSuch       = MakeError(1, -24)
	AcnetReqRej       = MakeError(1, -25)
	AcnetCancelled    = MakeError(1, -26)
	AcnetNameInUse    = MakeError(1, -27)
	AcnetNcr          = MakeError(1, -28)
	AcnetNoNode       = MakeError(1, -30)
	AcnetTruncRequest = MakeError(1, -31)
	AcnetTruncReply   = MakeError(1, -32)
	AcnetNoTask       = MakeError(1, -33)
	AcnetDisconnected = MakeError(1, -34)
	AcnetLevel2       = MakeError(1, -35)
	AcnetHardIO       = MakeError(1, -36)
	AcnetNodeDown     = MakeError(1, -42)
	AcnetUTime        = MakeError(1, -49)
	AcnetInvArg       = MakeError(1, -50)
)

// DBM facility composite codes.
var (
	DbmNoProp = MakeError(16, -13)
)

// DPM facility composite codes.
var (
	DpmPend          = MakeError(17, 1)
	DpmStale         = MakeError(17, 2)
	DpmBadRequest    = MakeError(17, -24)
	DpmNoSuchDevice  = MakeError(17, -26)
	DpmNoSuchProp    = MakeError(17, -27)
	DpmBadRange      = MakeError(17, -28)
	DpmNoScale       = MakeError(17, -31)
	DpmBadEvent      = MakeError(17, -33)
	DpmInternalError = MakeError(17, -45)
)

// FTP facility composite codes. Positive codes are informational snapshot
// states, negative codes are failures.
var (
	FtpCollecting = MakeError(15, 4)
	FtpWaitDelay  = MakeError(15, 3)
	FtpWaitEvent  = MakeError(15, 2)
	FtpPend       = MakeError(15, 1)

	FtpInvTyp             = MakeError(15, -1)
	FtpInvSSDN            = MakeError(15, -2)
	FtpFeOutOfMem         = MakeError(15, -5)
	FtpNoChan             = MakeError(15, -6)
	FtpNoDecoder          = MakeError(15, -7)
	FtpFePlotLim          = MakeError(15, -8)
	FtpInvNumDev          = MakeError(15, -9)
	FtpEndOfData          = MakeError(15, -10)
	FtpFePlotLen          = MakeError(15, -11)
	FtpInvReqLen          = MakeError(15, -12)
	FtpNoData             = MakeError(15, -13)
	FtpInvReq             = MakeError(15, -14)
	FtpBadEv              = MakeError(15, -15)
	FtpBumped             = MakeError(15, -16)
	FtpReroute            = MakeError(15, -17)
	FtpUnsFreq            = MakeError(15, -19)
	FtpBigDly             = MakeError(15, -20)
	FtpUnsDev             = MakeError(15, -21)
	FtpSoftware           = MakeError(15, -22)
	FtpNotRdy             = MakeError(15, -23)
	FtpArcnet             = MakeError(15, -24)
	FtpBadArm             = MakeError(15, -25)
	FtpInvFreqForHardware = MakeError(15, -26)
	FtpBadPlotMode        = MakeError(15, -27)
	FtpNoSuchDevice       = MakeError(15, -28)
	FtpDeviceInUse        = MakeError(15, -29)
	FtpFreqTooHigh        = MakeError(15, -30)
	FtpNoSetup            = MakeError(15, -31)
	FtpUnsupportedProp    = MakeError(15, -32)
	FtpInvalidChannel     = MakeError(15, -33)
	FtpNoFifo             = MakeError(15, -34)
	FtpBadDataLength      = MakeError(15, -35)
	FtpBufferOverflow     = MakeError(15, -36)
	FtpNoEventSupport     = MakeError(15, -37)
	FtpTriggerError       = MakeError(15, -38)
	FtpInvClassDef        = MakeError(15, -39)
	FtpNoRandomAccess     = MakeError(15, -40)
	FtpInvalidOffset      = MakeError(15, -41)
	FtpNoSnapshot         = MakeError(15, -42)
	FtpEventUnavailable   = MakeError(15, -43)
	FtpNoFtpmanInit       = MakeError(15, -44)
	FtpBadTimes           = MakeError(15, -100)
	FtpBadResets          = MakeError(15, -101)
	FtpBadArg             = MakeError(15, -102)
	FtpBadRpy             = MakeError(15, -103)
)

var ftpStatusMessages = map[int]string{
	FtpCollecting:         "collecting data",
	FtpWaitDelay:          "waiting for arm delay",
	FtpWaitEvent:          "waiting for arm event",
	FtpPend:               "snapshot pending",
	FtpInvTyp:             "invalid request typecode",
	FtpInvSSDN:            "invalid SSDN",
	FtpFeOutOfMem:         "front-end out of memory",
	FtpNoChan:             "no available MADC plot channels",
	FtpNoDecoder:          "no available clock decoders",
	FtpFePlotLim:          "front-end plot limit exceeded",
	FtpInvNumDev:          "invalid number of devices",
	FtpEndOfData:          "end of data",
	FtpFePlotLen:          "buffer length computation error",
	FtpInvReqLen:          "invalid request length",
	FtpNoData:             "no data from MADC",
	FtpInvReq:             "retrieval doesn't match active setup",
	FtpBadEv:              "wrong set of clock events",
	FtpBumped:             "bumped by higher priority plot",
	FtpReroute:            "internal reroute error",
	FtpUnsFreq:            "unsupported frequency",
	FtpBigDly:             "delay too long",
	FtpUnsDev:             "unsupported device type",
	FtpSoftware:           "internal software error",
	FtpNotRdy:             "data not ready",
	FtpArcnet:             "ARCNET communication error",
	FtpBadArm:             "bad arm value",
	FtpInvFreqForHardware: "frequency unsupported by hardware",
	FtpBadPlotMode:        "bad plot mode",
	FtpNoSuchDevice:       "device not found for retrieval",
	FtpDeviceInUse:        "device already has active retrieval",
	FtpFreqTooHigh:        "frequency exceeds front-end capability",
	FtpNoSetup:            "no matching setup for retrieval/restart",
	FtpUnsupportedProp:    "unsupported property",
	FtpInvalidChannel:     "channel doesn't exist on device",
	FtpNoFifo:             "missing FIFO board",
	FtpBadDataLength:      "invalid data length (expected 2 or 4)",
	FtpBufferOverflow:     "front-end buffer overflow",
	FtpNoEventSupport:     "event-triggered sampling unsupported",
	FtpTriggerError:       "trigger definition error",
	FtpInvClassDef:        "invalid class definition",
	FtpNoRandomAccess:     "random access not supported",
	FtpInvalidOffset:      "non-zero data offset unsupported",
	FtpNoSnapshot:         "device doesn't support snapshots",
	FtpEventUnavailable:   "clock event not available on front-end",
	FtpNoFtpmanInit:       "FTPMAN not initialized (send class query first)",
	FtpBadTimes:           "UCD module timestamp error",
	FtpBadResets:          "device timestamp reset error",
	FtpBadArg:             "invalid argument",
	FtpBadRpy:             "invalid reply from front-end",
}

// FTPStatusMessage returns the curated human-readable message for an FTP
// composite status code, positive or negative.
func FTPStatusMessage(composite int) string {
	if msg, ok := ftpStatusMessages[composite]; ok {
		return msg
	}
	facility, errorNumber := ParseError(composite)
	if facility != FacilityFTP {
		return fmt.Sprintf("non-FTP status (facility=%d, error=%d)", facility, errorNumber)
	}
	return fmt.Sprintf("unknown FTP status (error=%d)", errorNumber)
}

// StatusMessage builds a generic human-readable message from decomposed
// codes. Returns the empty string for success.
func StatusMessage(facility, errorNumber int) string {
	switch {
	case errorNumber < 0:
		return fmt.Sprintf("Device error (facility=%d, error=%d)", facility, errorNumber)
	case errorNumber > 0:
		return fmt.Sprintf("Warning (facility=%d, error=%d)", facility, errorNumber)
	}
	return ""
}
