package tuya

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric error class published on a device's status topic
// when a command or poll fails. The codes mirror the wire-level taxonomy used
// by Tuya local transports.
type ErrorCode string

const (
	ErrJSON       ErrorCode = "900" // invalid JSON response from device
	ErrConnect    ErrorCode = "901" // network error: unable to connect
	ErrTimeout    ErrorCode = "902" // timeout waiting for device
	ErrRange      ErrorCode = "903" // specified value out of range
	ErrPayload    ErrorCode = "904" // unexpected payload from device
	ErrOffline    ErrorCode = "905" // network error: device unreachable
	ErrState      ErrorCode = "906" // device in unknown state
	ErrFunction   ErrorCode = "907" // function not supported by device
	ErrDevType    ErrorCode = "908" // device22 detected: retry command
	ErrCloudKey   ErrorCode = "909" // missing cloud key and secret
	ErrCloudResp  ErrorCode = "910" // invalid JSON response from cloud
	ErrCloudToken ErrorCode = "911" // unable to get cloud token
	ErrParams     ErrorCode = "912" // missing function parameters
	ErrCloud      ErrorCode = "913" // error response from cloud
	ErrKeyOrVer   ErrorCode = "914" // check device key or version
)

var errorText = map[ErrorCode]string{
	ErrJSON:       "Invalid JSON Response from Device",
	ErrConnect:    "Network Error: Unable to Connect",
	ErrTimeout:    "Timeout Waiting for Device",
	ErrRange:      "Specified Value Out of Range",
	ErrPayload:    "Unexpected Payload from Device",
	ErrOffline:    "Network Error: Device Unreachable",
	ErrState:      "Device in Unknown State",
	ErrFunction:   "Function Not Supported by Device",
	ErrDevType:    "Device22 Detected: Retry Command",
	ErrCloudKey:   "Missing Tuya Cloud Key and Secret",
	ErrCloudResp:  "Invalid JSON Response from Cloud",
	ErrCloudToken: "Unable to Get Cloud Token",
	ErrParams:     "Missing Function Parameters",
	ErrCloud:      "Error Response from Tuya Cloud",
	ErrKeyOrVer:   "Check device key or version",
}

func (c ErrorCode) Valid() bool {
	_, ok := errorText[c]
	return ok
}

func (c ErrorCode) Text() string {
	return errorText[c]
}

// Error is a classified device or cloud failure. Payload carries any extra
// detail the transport attached to the failure.
type Error struct {
	Code    ErrorCode
	Payload string
	cause   error
}

func NewError(code ErrorCode, payload string) *Error {
	return &Error{Code: code, Payload: payload}
}

func WrapError(code ErrorCode, err error) *Error {
	return &Error{Code: code, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code.Text(), e.Code, e.cause)
	}
	if e.Payload != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code.Text(), e.Code, e.Payload)
	}
	return fmt.Sprintf("%s (%s)", e.Code.Text(), e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Document renders the error object published on the status topic.
func (e *Error) Document() map[string]any {
	doc := map[string]any{
		"Err":   string(e.Code),
		"Error": e.Code.Text(),
	}
	if e.Payload != "" {
		doc["Payload"] = e.Payload
	} else if e.cause != nil {
		doc["Payload"] = e.cause.Error()
	}
	return doc
}

// CodeOf extracts the error class from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// ErrorDocument renders any error as a status-topic error object,
// classifying unrecognized errors as device-state errors.
func ErrorDocument(err error) map[string]any {
	var te *Error
	if errors.As(err, &te) {
		return te.Document()
	}
	return map[string]any{
		"Err":     string(ErrState),
		"Error":   ErrState.Text(),
		"Payload": err.Error(),
	}
}

// IsErrorDocument reports whether a decoded scan or cloud object is an error
// document rather than a device record.
func IsErrorDocument(doc map[string]any) bool {
	if doc == nil {
		return false
	}
	if _, ok := doc["Err"]; ok {
		return true
	}
	_, ok := doc["Error"]
	return ok
}
