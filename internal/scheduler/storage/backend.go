package storage

import "context"

// Kind names one of the record collections kept per job
type Kind string

// Record collections
const (
	KindJobs    Kind = "jobs"
	KindResults Kind = "results"
	KindErrors  Kind = "errors"
	KindReports Kind = "reports"
)

// AllKinds lists every collection in deletion order
func AllKinds() []Kind {
	return []Kind{KindJobs, KindResults, KindErrors, KindReports}
}

// Backend persists opaque records keyed by collection and job id.
// Get returns domain.ErrRecordNotFound for a missing record; Delete of a
// missing record is not an error.
type Backend interface {
	Put(ctx context.Context, kind Kind, id string, data []byte) error
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Delete(ctx context.Context, kind Kind, id string) error
	List(ctx context.Context, kind Kind) ([]string, error)
	Close() error
}

// Owner is implemented by backends that can grant one scheduler exclusive
// ownership of the stored jobs. Acquire returns domain.ErrStoreOwned while
// another holder exists; the returned function gives ownership up.
type Owner interface {
	Acquire(ctx context.Context) (release func() error, err error)
}
