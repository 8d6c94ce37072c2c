package queue

import "github.com/dirq/dirq/fsops"

// Null is a black-hole queue: added data disappears immediately and the
// queue always appears empty. It exists to satisfy the common interface in
// test and development pipelines, like redirecting output to /dev/null.
type Null struct{}

var _ ByteQueue = Null{}

// NewNull returns a Null queue.
func NewNull() Null { return Null{} }

func (Null) ID() string { return "null" }

// Add discards the data and returns an empty element name.
func (Null) Add(data []byte) (string, error) { return "", nil }

// AddPath discards the file by deleting it.
func (Null) AddPath(path string) (string, error) {
	return "", fsops.Unlink(path)
}

func (Null) Get(elem string) ([]byte, error) { return nil, ErrUnsupported }

func (Null) Lock(elem string, permissive bool) (bool, error) {
	return false, ErrUnsupported
}

func (Null) Unlock(elem string, permissive bool) (bool, error) {
	return false, ErrUnsupported
}

func (Null) Remove(elem string) error { return ErrUnsupported }

func (Null) Count() (int, error) { return 0, nil }

func (Null) Purge(opts ...PurgeOption) error { return nil }

func (Null) First() (string, error) { return "", nil }

func (Null) Next() (string, error) { return "", nil }

func (n Null) Clone() Queue { return n }
