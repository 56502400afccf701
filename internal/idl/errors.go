package idl

import "errors"

var (
	ErrDecode                = errors.New("idl decode error")
	ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")
)
