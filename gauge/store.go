package gauge

// Store is a namespaced key/value byte store used to persist battery state.
// The estimator opens a namespace for the duration of a single read or write
// and closes it again, so implementations never stay open across updates.
type Store interface {
	Open(namespace string, readOnly bool) (Bucket, error)
}

// Bucket is an open namespace within a Store.
type Bucket interface {
	// Read returns the bytes stored under key, or an error if the key is
	// absent.
	Read(key string) ([]byte, error)

	// Write stores data under key, replacing any previous value. The write
	// must be complete when Write returns nil.
	Write(key string, data []byte) error

	// EraseAll removes every key in the namespace.
	EraseAll() error

	Close() error
}
