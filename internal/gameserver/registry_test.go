package gameserver

import (
	"testing"

	"github.com/matryer/is"
)

func registrySession(id uint64) *session {
	sess := newSession(id, &recordConn{}, testLogger())
	sess.setState(stateConnected)
	return sess
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	is := is.New(t)

	reg := &registry{}
	a := registrySession(1)
	b := registrySession(2)
	c := registrySession(3)

	is.True(reg.add(a))
	is.True(reg.add(b))
	is.True(reg.add(c))
	is.True(!reg.add(b)) // already queued

	is.Equal(reg.len(), 3)
	is.Equal(reg.index(a), 0)
	is.Equal(reg.index(b), 1)
	is.Equal(reg.index(c), 2)
	is.Equal(reg.at(0), a)
	is.Equal(reg.at(3), (*session)(nil))
}

func TestRegistryRemovePreservesOrder(t *testing.T) {
	is := is.New(t)

	reg := &registry{}
	a := registrySession(1)
	b := registrySession(2)
	c := registrySession(3)
	reg.add(a)
	reg.add(b)
	reg.add(c)

	is.True(reg.remove(b))
	is.True(!reg.remove(b)) // gone already

	is.Equal(reg.len(), 2)
	is.Equal(reg.index(a), 0)
	is.Equal(reg.index(c), 1)
	is.Equal(reg.index(b), -1)

	// re-queue lands at the back
	is.True(reg.add(b))
	is.Equal(reg.index(b), 2)
}
