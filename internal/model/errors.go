package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrCertLoad is returned when certificate material can't be loaded.
	ErrCertLoad = errors.New("certificate load failed")
)
