package protocol

import "errors"

var (
	ErrProtocolIDRequired    = errors.New("protocol: id is required")
	ErrDuplicateProtocolID   = errors.New("protocol: duplicate protocol id")
	ErrProtocolNotFound      = errors.New("protocol: unknown protocol id")
	ErrIdentificationMissing = errors.New("protocol: identification spec must set either register or command")
	ErrSerialSizeRequired    = errors.New("protocol: serial_number.size is required for register-based extraction")
)
