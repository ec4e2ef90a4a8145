package coorderror

import "fmt"

const (
	KVCOORD_UNEXPECTED    = "KVCDU"
	KVCOORD_IO            = "KVCDI"
	KVCOORD_META_READ     = "KVCDR"
	KVCOORD_META_WRITE    = "KVCDW"
	KVCOORD_PROXY_CLIENT  = "KVCDP"
	KVCOORD_INVALID_REPLY = "KVCDL"
	KVCOORD_NO_PROXY      = "KVCDN"
)

var existingErrorCodeMap = map[string]string{
	KVCOORD_IO:            "i/o failure",
	KVCOORD_META_READ:     "metadata store read failure",
	KVCOORD_META_WRITE:    "metadata store write failure",
	KVCOORD_PROXY_CLIENT:  "proxy wire client failure",
	KVCOORD_INVALID_REPLY: "invalid reply from proxy",
	KVCOORD_NO_PROXY:      "no available proxy",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "unexpected error"
}

var _ error = &CoordinateError{}

// CoordinateError is the unified failure type of the coordination layer.
// Callers only ever log the cause chain, they never branch on anything
// beyond the code.
type CoordinateError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *CoordinateError {
	return &CoordinateError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, args ...any) *CoordinateError {
	return &CoordinateError{
		Err:       fmt.Errorf(format, args...),
		ErrorCode: errorCode,
	}
}

// Wrap attaches a coordinate error code to an underlying cause.
func Wrap(errorCode string, err error) *CoordinateError {
	return &CoordinateError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

func (er *CoordinateError) Error() string {
	return fmt.Sprintf("code: %s. name: %s. description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *CoordinateError) Unwrap() error {
	return er.Err
}
