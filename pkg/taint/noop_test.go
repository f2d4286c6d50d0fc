package taint_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

func TestNoOp(t *testing.T) {
	t.Parallel()

	m := taint.NoOp()
	s := strings.Repeat("n", 32)
	key := taint.StringKey(s)

	m.Put(taint.NewTaintedObject(key, taint.ForString(s, paramSource, taint.NotMarked), m.ReferenceQueue()))
	m.Put(nil)

	assert.Nil(t, m.Get(key))
	assert.Nil(t, m.Get(taint.Key{}))
	assert.Zero(t, m.Purge())
	assert.Zero(t, m.Count())
	assert.False(t, m.IsFlat())
	assert.Nil(t, m.ReferenceQueue())

	m.Clear()

	for range m.All() {
		t.Fatal("no-op map yielded an entry")
	}
}

func TestNoOp_ZeroSized(t *testing.T) {
	t.Parallel()

	assert.Equal(t, taint.NoOp(), taint.NoOp())
}
