// SPDX-License-Identifier: GPL-3.0-or-later

package errclass_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/bassosimone/overlay/errclass"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "canceled", err: context.Canceled, want: "ECANCELED"},
		{name: "deadline", err: context.DeadlineExceeded, want: "ETIMEDOUT"},
		{name: "closed", err: net.ErrClosed, want: "ECONNABORTED"},
		{name: "wrapped deadline", err: errors.Join(errors.New("x"), context.DeadlineExceeded), want: "ETIMEDOUT"},
		{name: "unknown", err: errors.New("something else"), want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errclass.Classify(tt.err))
		})
	}
}
