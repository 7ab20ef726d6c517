package device

import "errors"

var (
	ErrMissingField      = errors.New("device identity field missing")
	ErrNilProvider       = errors.New("device provider cannot be nil")
	ErrNoHardwareAddr    = errors.New("no interface with a hardware address")
	ErrInterfaceNotFound = errors.New("network interface not found")
)
