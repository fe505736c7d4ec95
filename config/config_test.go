// SPDX-License-Identifier: GPL-3.0-or-later

package config_test

import (
	"errors"
	"testing"

	"github.com/bassosimone/overlay/config"
	"github.com/bassosimone/overlay/netid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := config.NewConfig()
	require.NotNil(t, cfg.Dialer)
	require.NotNil(t, cfg.ErrClassifier)
	require.NotNil(t, cfg.TimeNow)
	require.NotNil(t, cfg.Rand)
	assert.Equal(t, 1, cfg.DialRetryCount)
	assert.Positive(t, cfg.MaxConnectionsPerProtocol[netid.ProtocolTCP])
}

func TestErrClassifierFuncAdapter(t *testing.T) {
	var called error
	classifier := config.ErrClassifierFunc(func(err error) string {
		called = err
		return "MARKER"
	})
	sentinel := errors.New("boom")
	assert.Equal(t, "MARKER", classifier.Classify(sentinel))
	assert.Equal(t, sentinel, called)
}

func TestDefaultErrClassifierDelegatesToErrclass(t *testing.T) {
	assert.Equal(t, "", config.DefaultErrClassifier.Classify(nil))
}
