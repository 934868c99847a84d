package uefi

import "fmt"

// errorBit is the high bit of a status, set for error codes.
const errorBit = Status(1 << 63)

// Status is an EFI_STATUS value. Error statuses implement the error
// interface so that firmware calls can follow the usual Go conventions;
// service implementations return nil for Success.
type Status uint64

// Status codes returned by the boot services.
const (
	Success          = Status(0)
	LoadError        = errorBit | 1
	InvalidParameter = errorBit | 2
	Unsupported      = errorBit | 3
	BadBufferSize    = errorBit | 4
	BufferTooSmall   = errorBit | 5
	NotReady         = errorBit | 6
	DeviceError      = errorBit | 7
	OutOfResources   = errorBit | 9
	NotFound         = errorBit | 14
)

var statusNames = map[Status]string{
	Success:          "EFI_SUCCESS",
	LoadError:        "EFI_LOAD_ERROR",
	InvalidParameter: "EFI_INVALID_PARAMETER",
	Unsupported:      "EFI_UNSUPPORTED",
	BadBufferSize:    "EFI_BAD_BUFFER_SIZE",
	BufferTooSmall:   "EFI_BUFFER_TOO_SMALL",
	NotReady:         "EFI_NOT_READY",
	DeviceError:      "EFI_DEVICE_ERROR",
	OutOfResources:   "EFI_OUT_OF_RESOURCES",
	NotFound:         "EFI_NOT_FOUND",
}

// IsError reports whether the error bit is set.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// String returns the symbolic name of s.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	if s.IsError() {
		return fmt.Sprintf("EfiStatus(error %d)", uint64(s&^errorBit))
	}
	return fmt.Sprintf("EfiStatus(%d)", uint64(s))
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.String()
}
