// SPDX-License-Identifier: GPL-3.0-or-later

package refscope_test

import (
	"testing"

	"github.com/bassosimone/overlay/refscope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	present bool
	refs    int
}

func (t *fakeTable) AddRef(id int) bool {
	if !t.present {
		return false
	}
	t.refs++
	return true
}

func (t *fakeTable) ReleaseRef(id int) bool {
	t.refs--
	return true
}

func TestTryNewFailsWhenAbsent(t *testing.T) {
	table := &fakeTable{present: false}
	_, ok := refscope.TryNew[int](table, 1)
	assert.False(t, ok)
}

func TestCloseReleasesExactlyOnce(t *testing.T) {
	table := &fakeTable{present: true}
	scope, ok := refscope.TryNew[int](table, 1)
	require.True(t, ok)
	assert.Equal(t, 1, table.refs)

	scope.Close()
	assert.Equal(t, 0, table.refs)

	scope.Close()
	assert.Equal(t, 0, table.refs, "second Close must not double-release")
	assert.True(t, scope.Released())
}
