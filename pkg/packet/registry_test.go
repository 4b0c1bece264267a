package packet

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNumbersPerDirection(t *testing.T) {
	r := newRegistry()
	tests := []struct {
		dir  Direction
		typ  reflect.Type
		want ChannelID
	}{
		{Outbound, typeOf[ping](), 0},
		{Outbound, typeOf[alpha](), 1},
		{Inbound, typeOf[beta](), 0},
		{Inbound, typeOf[ping](), 1},
	}
	for _, tc := range tests {
		var id ChannelID
		var err error
		if tc.dir == Outbound {
			id, err = r.addSend(tc.typ)
		} else {
			id, err = r.addRecv(tc.typ, nil)
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, id, "%s %s", tc.dir, tc.typ)
	}

	id, err := r.lookup(Inbound, typeOf[ping]())
	require.NoError(t, err)
	assert.Equal(t, ChannelID(1), id)
	_, err = r.lookup(Inbound, typeOf[alpha]())
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, "packet.beta", r.typeName(Inbound, 0))
	assert.Equal(t, "unregistered", r.typeName(Outbound, 5))

	send, recv := r.counts()
	assert.Equal(t, 2, send)
	assert.Equal(t, 2, recv)
}

func TestRegistryDuplicateKeepsFirst(t *testing.T) {
	r := newRegistry()
	_, err := r.addRecv(typeOf[ping](), "first")
	require.NoError(t, err)
	_, err = r.addRecv(typeOf[ping](), "second")
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	assert.Equal(t, "first", r.builder(0))
	assert.Nil(t, r.builder(1))
}

func TestRegistryDropLastRecv(t *testing.T) {
	r := newRegistry()
	_, err := r.addRecv(typeOf[ping](), nil)
	require.NoError(t, err)
	_, err = r.addRecv(typeOf[alpha](), nil)
	require.NoError(t, err)

	r.dropLastRecv(typeOf[ping]())
	_, recv := r.counts()
	assert.Equal(t, 2, recv, "only the newest entry can be dropped")

	r.dropLastRecv(typeOf[alpha]())
	_, recv = r.counts()
	assert.Equal(t, 1, recv)
	id, err := r.addRecv(typeOf[alpha](), nil)
	require.NoError(t, err)
	assert.Equal(t, ChannelID(1), id)
}

func TestPointerAndValueAreDistinctTypes(t *testing.T) {
	r := newRegistry()
	_, err := r.addSend(typeOf[ping]())
	require.NoError(t, err)
	_, err = r.addSend(typeOf[*ping]())
	assert.NoError(t, err)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "outbound", Outbound.String())
	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
}
