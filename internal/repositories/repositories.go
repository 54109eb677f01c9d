// Package repositories provides data access over the store's relational
// schema. Each repository is constructed over a *gorm.DB handle — pass the
// shared handle for standalone reads, or the transaction handle inside
// Store.Transaction so a handler's reads and writes share one transaction.
// Driver errors are mapped to ErrNotFound / ErrConflict at this boundary.
package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/packetserver-io/packetserver/internal/db"
)

// ListOptions controls pagination for list queries. A zero Limit means no
// limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// UserRepository accesses BBS user accounts.
type UserRepository interface {
	// Create inserts a new user. Returns ErrConflict when the callsign is
	// already registered.
	Create(ctx context.Context, user *db.User) error

	// GetByCallsign fetches a user by uppercase base callsign.
	GetByCallsign(ctx context.Context, callsign string) (*db.User, error)

	// GetByUUID fetches a user by its stable uuid.
	GetByUUID(ctx context.Context, id uuid.UUID) (*db.User, error)

	// ListVisible returns non-hidden users ordered by callsign. limit<=0
	// means all.
	ListVisible(ctx context.Context, limit int) ([]db.User, error)

	// ListEnabledVisible returns the broadcast audience: enabled,
	// non-hidden users ordered by callsign.
	ListEnabledVisible(ctx context.Context) ([]db.User, error)

	// ListAll returns every user, hidden ones included.
	ListAll(ctx context.Context) ([]db.User, error)

	// Update persists all fields of an existing user.
	Update(ctx context.Context, user *db.User) error
}

// -----------------------------------------------------------------------------
// Bulletins
// -----------------------------------------------------------------------------

// BulletinRepository accesses public bulletins.
type BulletinRepository interface {
	// Create inserts a bulletin whose ID was already allocated from the
	// bulletin counter inside the same transaction.
	Create(ctx context.Context, bulletin *db.Bulletin) error

	// GetByID fetches one bulletin.
	GetByID(ctx context.Context, id int64) (*db.Bulletin, error)

	// ListRecent returns bulletins newest-first by updated_at. limit<=0
	// means all.
	ListRecent(ctx context.Context, limit int) ([]db.Bulletin, error)

	// Update persists all fields of an existing bulletin.
	Update(ctx context.Context, bulletin *db.Bulletin) error

	// Delete removes a bulletin. The id is never reused.
	Delete(ctx context.Context, id int64) error
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// MessageRepository accesses private mail and the global message uuid set.
type MessageRepository interface {
	// AllocateUUID draws a fresh globally unique message uuid, recording it
	// in the message_uuids table inside the current transaction.
	AllocateUUID(ctx context.Context) (uuid.UUID, error)

	// UUIDExists reports whether a message uuid has been allocated.
	UUIDExists(ctx context.Context, id uuid.UUID) (bool, error)

	// CreateCopy inserts one mailbox copy with its attachments.
	CreateCopy(ctx context.Context, msg *db.Message, attachments []db.Attachment) error

	// GetCopy fetches the copy of a message in one mailbox.
	GetCopy(ctx context.Context, mailbox string, msgUUID uuid.UUID) (*db.Message, error)

	// ListMailbox returns every copy in a mailbox ordered by sent_at
	// ascending. Filtering and re-sorting happen in the domain layer.
	ListMailbox(ctx context.Context, mailbox string) ([]db.Message, error)

	// Attachments returns the attachments of one copy in order.
	Attachments(ctx context.Context, copyID uuid.UUID) ([]db.Attachment, error)

	// MarkRetrieved flips the retrieved flag on the given copies.
	MarkRetrieved(ctx context.Context, copyIDs []uuid.UUID) error
}

// -----------------------------------------------------------------------------
// Objects
// -----------------------------------------------------------------------------

// ObjectRepository accesses user-owned content objects.
type ObjectRepository interface {
	// Create inserts a new object.
	Create(ctx context.Context, obj *db.Object) error

	// GetByUUID fetches one object.
	GetByUUID(ctx context.Context, id uuid.UUID) (*db.Object, error)

	// ListByOwner returns an owner's objects ordered by creation time.
	ListByOwner(ctx context.Context, owner uuid.UUID) ([]db.Object, error)

	// Update persists all fields of an existing object.
	Update(ctx context.Context, obj *db.Object) error

	// Delete removes an object from the global table; the owner's set is
	// the owner index, so both sides move in this one statement.
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// JobRepository accesses jobs, their input files and the dispatch queue.
type JobRepository interface {
	// Create inserts a job (id pre-allocated from the job counter) with
	// its input files.
	Create(ctx context.Context, job *db.Job, files []db.JobFile) error

	// GetByID fetches one job.
	GetByID(ctx context.Context, id int64) (*db.Job, error)

	// ListByOwner returns a user's jobs ordered by id descending.
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]db.Job, error)

	// Update persists all fields of an existing job.
	Update(ctx context.Context, job *db.Job) error

	// Files returns a job's input files in order.
	Files(ctx context.Context, jobID int64) ([]db.JobFile, error)

	// Enqueue appends a job id to the FIFO dispatch queue.
	Enqueue(ctx context.Context, jobID int64) error

	// QueueHead returns the oldest queued job id, or ErrNotFound when the
	// queue is empty.
	QueueHead(ctx context.Context) (int64, error)

	// QueueRemove drops a job id from the queue. Removing an absent id is
	// not an error.
	QueueRemove(ctx context.Context, jobID int64) error

	// QueueJobIDs returns every queued job id in FIFO order.
	QueueJobIDs(ctx context.Context) ([]int64, error)
}

// -----------------------------------------------------------------------------
// HTTP users
// -----------------------------------------------------------------------------

// HTTPUserRepository accesses dashboard accounts.
type HTTPUserRepository interface {
	// Create inserts a new HTTP user. Returns ErrConflict on a taken
	// username.
	Create(ctx context.Context, user *db.HTTPUser) error

	// Get fetches one HTTP user by uppercase username.
	Get(ctx context.Context, username string) (*db.HTTPUser, error)

	// List returns all HTTP users ordered by username.
	List(ctx context.Context) ([]db.HTTPUser, error)

	// Update persists all fields of an existing HTTP user.
	Update(ctx context.Context, user *db.HTTPUser) error

	// Delete removes an HTTP user.
	Delete(ctx context.Context, username string) error
}

// -----------------------------------------------------------------------------
// Counters & config
// -----------------------------------------------------------------------------

// CounterRepository allocates dense ids. Call Next inside the transaction
// that uses the id so allocations commit or abort with their use.
type CounterRepository interface {
	// Next returns the current value of the named counter and advances it.
	// The first allocation of a counter returns 0.
	Next(ctx context.Context, name string) (int64, error)
}

// ConfigRepository loads and stores the mutable server configuration.
type ConfigRepository interface {
	// Load returns the configuration, filling defaults for absent keys.
	// The blacklist always contains SYSTEM.
	Load(ctx context.Context) (*ServerConfig, error)

	// Save persists the full configuration.
	Save(ctx context.Context, cfg *ServerConfig) error
}
