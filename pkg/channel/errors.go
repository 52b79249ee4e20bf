package channel

// ErrCode is a protocol error code as carried in args[0] of a host response.
// It implements error so handlers use ordinary Go error-handling idiom while
// still serializing to a single wire byte. Grounded on the teacher's
// CANopenError (errors.go): a small integer type with an Error() method
// backed by a lookup table.
type ErrCode uint8

const (
	StatusNoError ErrCode = 0x00

	ErrFailed            ErrCode = 0x01
	ErrNotSupported      ErrCode = 0x02
	ErrChannelInUse      ErrCode = 0x03
	ErrInvalidChannelID  ErrCode = 0x04
	ErrInvalidFilterID   ErrCode = 0x05
	ErrInvalidIoctlID    ErrCode = 0x06
	ErrExceededLimit     ErrCode = 0x07
	ErrBufferFull        ErrCode = 0x08
	ErrNullParameter     ErrCode = 0x09
	ErrTimeout           ErrCode = 0x0A
)

var errCodeText = map[ErrCode]string{
	StatusNoError:       "no error",
	ErrFailed:           "operation failed",
	ErrNotSupported:     "not supported",
	ErrChannelInUse:     "channel already in use",
	ErrInvalidChannelID: "invalid channel id",
	ErrInvalidFilterID:  "invalid filter id",
	ErrInvalidIoctlID:   "invalid ioctl id",
	ErrExceededLimit:    "resource limit exceeded",
	ErrBufferFull:       "buffer full",
	ErrNullParameter:    "missing required parameter",
	ErrTimeout:          "timed out",
}

func (e ErrCode) Error() string {
	if text, ok := errCodeText[e]; ok {
		return text
	}
	return "unknown error"
}
