package packet

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// registry maps packet types to channel ids, separately per direction.
type registry struct {
	mu sync.RWMutex

	send      map[reflect.Type]ChannelID
	sendTypes []reflect.Type

	recv      map[reflect.Type]ChannelID
	recvTypes []reflect.Type
	// builders[id] holds a Builder[T] for recvTypes[id]
	builders []any
}

func newRegistry() *registry {
	return &registry{
		send: make(map[reflect.Type]ChannelID),
		recv: make(map[reflect.Type]ChannelID),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

func (r *registry) addSend(t reflect.Type) (ChannelID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.send[t]; ok {
		return 0, errors.Wrapf(ErrDuplicateRegistration, "send %s", t)
	}
	id := ChannelID(len(r.sendTypes))
	r.send[t] = id
	r.sendTypes = append(r.sendTypes, t)
	return id, nil
}

func (r *registry) addRecv(t reflect.Type, builder any) (ChannelID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recv[t]; ok {
		return 0, errors.Wrapf(ErrDuplicateRegistration, "receive %s", t)
	}
	id := ChannelID(len(r.recvTypes))
	r.recv[t] = id
	r.recvTypes = append(r.recvTypes, t)
	r.builders = append(r.builders, builder)
	return id, nil
}

// dropLastRecv undoes the most recent addRecv for t.
func (r *registry) dropLastRecv(t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.recvTypes)
	if n == 0 || r.recvTypes[n-1] != t {
		return
	}
	delete(r.recv, t)
	r.recvTypes = r.recvTypes[:n-1]
	r.builders = r.builders[:n-1]
}

func (r *registry) lookup(d Direction, t reflect.Type) (ChannelID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.send
	if d == Inbound {
		m = r.recv
	}
	id, ok := m[t]
	if !ok {
		return 0, errors.Wrapf(ErrNotRegistered, "%s %s", d, t)
	}
	return id, nil
}

func (r *registry) builder(id ChannelID) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.builders) {
		return nil
	}
	return r.builders[id]
}

func (r *registry) typeName(d Direction, id ChannelID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.sendTypes
	if d == Inbound {
		ts = r.recvTypes
	}
	if int(id) >= len(ts) {
		return "unregistered"
	}
	return ts[id].String()
}

func (r *registry) counts() (send, recv int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sendTypes), len(r.recvTypes)
}
