//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass classifies network errors into short categorical
// strings suitable for structured logging and metrics.
package errclass

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Classify maps err to a short categorical string such as "ETIMEDOUT" or
// "ECONNRESET". It returns "" for a nil error and "unknown" for an error
// it cannot classify.
//
// The mapping walks through context errors, the wrapped [os.SyscallError]
// chain via [errors.As], and finally the platform errno tables defined in
// unix.go / windows.go.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "ECANCELED"
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "ETIMEDOUT"
	case errors.Is(err, net.ErrClosed):
		return "ECONNABORTED"
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if s, ok := classifyErrno(errno); ok {
			return s
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}

	return "unknown"
}

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case errEADDRNOTAVAIL:
		return "EADDRNOTAVAIL", true
	case errEADDRINUSE:
		return "EADDRINUSE", true
	case errECONNABORTED:
		return "ECONNABORTED", true
	case errECONNREFUSED:
		return "ECONNREFUSED", true
	case errECONNRESET:
		return "ECONNRESET", true
	case errEHOSTUNREACH:
		return "EHOSTUNREACH", true
	case errEINVAL:
		return "EINVAL", true
	case errEINTR:
		return "EINTR", true
	case errENETDOWN:
		return "ENETDOWN", true
	case errENETUNREACH:
		return "ENETUNREACH", true
	case errENOBUFS:
		return "ENOBUFS", true
	case errENOTCONN:
		return "ENOTCONN", true
	case errEPROTONOSUPPORT:
		return "EPROTONOSUPPORT", true
	case errETIMEDOUT:
		return "ETIMEDOUT", true
	default:
		return "", false
	}
}
