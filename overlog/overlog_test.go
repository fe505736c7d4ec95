// SPDX-License-Identifier: GPL-3.0-or-later

package overlog_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/bassosimone/overlay/overlog"
	"github.com/stretchr/testify/assert"
)

func TestDiscard(t *testing.T) {
	var logger overlog.Logger = overlog.Discard()
	assert.NotPanics(t, func() {
		logger.Debug("debug", slog.String("k", "v"))
		logger.Info("info")
		logger.Warn("warn")
		logger.Error("error")
	})
}

func TestSlogSatisfiesLogger(t *testing.T) {
	var _ overlog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}
