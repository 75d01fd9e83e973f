package dquot

import (
	"errors"
	"syscall"
)

var (
	ErrNoSuchFormat     = errors.New("no such quota format")
	ErrQuotaDisabled    = errors.New("quota is not enabled")
	ErrQuotaEnabled     = errors.New("quota is already enabled")
	ErrInvalidQuotaFile = errors.New("invalid quota file")
	ErrNoMemory         = errors.New("quota record budget exhausted")
	ErrNotMounted       = errors.New("filesystem is not mounted")
	ErrMounted          = errors.New("filesystem is already mounted")
	ErrInvalidType      = errors.New("invalid quota type")

	// ErrQuotaExceeded is what a filesystem returns for NoQuota.
	ErrQuotaExceeded error = syscall.EDQUOT
)
