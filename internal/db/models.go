package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The persistent object graph of the BBS, flattened into relational form.
// Conceptual root keys of the original graph map onto tables as follows:
// users, bulletins, objects, jobs and httpUsers are plain tables; messages
// are one row per mailbox copy sharing a global message uuid; message_uuids
// and the two dense counters live in their own small tables; job_queue is a
// position-ordered table; user_jobs and the per-user object set are the
// owner indexes on jobs and objects; config is a key/value table of JSON
// documents.

// StringList stores an ordered list of strings as a JSON array in a text
// column. Used for socials, message recipients and the blacklist.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("db: encode string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// StringMap stores a string-to-string map as a JSON object in a text
// column. Used for job environments.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		m = StringMap{}
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, fmt.Errorf("db: encode string map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into StringMap", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, (*map[string]string)(m))
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User is one BBS account, keyed by uppercase base callsign (SSID stripped).
// The UUID is assigned once at creation and never changes; objects
// back-reference their owner through it.
type User struct {
	UUID      uuid.UUID `gorm:"type:text;primaryKey"`
	Callsign  string    `gorm:"uniqueIndex;not null"`
	Enabled   bool      `gorm:"not null;default:true"`
	Hidden    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"not null"`

	// Profile fields. Length caps (bio 4000, status 300, location 1000,
	// each social 300) are enforced by the domain layer on write.
	Bio      string
	Status   string
	Email    string
	Location string
	Socials  StringList `gorm:"type:text"`
}

// SystemCallsign is the reserved account that owns server-originated
// content. It exists from first startup, hidden, disabled and permanently
// blacklisted.
const SystemCallsign = "SYSTEM"

// -----------------------------------------------------------------------------
// Bulletins
// -----------------------------------------------------------------------------

// Bulletin is a public post. IDs are dense integers drawn from the
// bulletin counter inside the creating transaction — monotonic and never
// reused, even after deletion.
type Bulletin struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	Author    string    `gorm:"not null;index"`
	Subject   string    `gorm:"not null"`
	Body      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is one mailbox copy of a private mail. Sending fans out to one
// independent row per recipient mailbox plus a sent-copy in the sender's
// mailbox; all copies share MsgUUID, whose global uniqueness is anchored by
// the MessageUUID table.
type Message struct {
	CopyID     uuid.UUID `gorm:"type:text;primaryKey"`
	MsgUUID    uuid.UUID `gorm:"type:text;not null;index"`
	Mailbox    string    `gorm:"not null;index"`
	Sender     string    `gorm:"not null"`
	Recipients StringList `gorm:"type:text"`
	Text       string
	SentAt     time.Time `gorm:"not null"`
	Retrieved  bool      `gorm:"not null;default:false"`
	Delivered  bool      `gorm:"not null;default:false"`
	// SentCopy marks the sender's own record of an outbound message.
	SentCopy bool `gorm:"not null;default:false"`
}

// MessageUUID records an allocated message uuid. The table is the source
// of truth for global uniqueness across all mailboxes.
type MessageUUID struct {
	UUID      uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

// Attachment is a named payload carried by one message copy, ordered by
// Seq within the copy. Object attachments are snapshotted to plain bytes
// at send time, so every stored attachment is self-contained.
type Attachment struct {
	MessageID uuid.UUID `gorm:"type:text;primaryKey"`
	Seq       int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"not null"`
	Binary    bool      `gorm:"not null;default:false"`
	Data      []byte
	Size      int64 `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Objects
// -----------------------------------------------------------------------------

// Object is user-owned named content. The owner's "set of object uuids" of
// the original graph is the OwnerUUID index; both sides of the relation
// move together because there is only one side to write.
type Object struct {
	UUID       uuid.UUID `gorm:"type:text;primaryKey"`
	Name       string    `gorm:"not null"`
	Data       []byte
	Binary     bool      `gorm:"not null;default:false"`
	Private    bool      `gorm:"not null;default:false"`
	OwnerUUID  uuid.UUID `gorm:"type:text;not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
	ModifiedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job status values. A job is terminal once FinishedAt is set; terminal
// statuses never leave the set {SUCCESSFUL, FAILED, TIMED_OUT}.
const (
	JobStatusCreated    = "CREATED"
	JobStatusQueued     = "QUEUED"
	JobStatusStarting   = "STARTING"
	JobStatusRunning    = "RUNNING"
	JobStatusStopping   = "STOPPING"
	JobStatusSuccessful = "SUCCESSFUL"
	JobStatusFailed     = "FAILED"
	JobStatusTimedOut   = "TIMED_OUT"
)

// JobStatusTerminal reports whether status is an end state.
func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusSuccessful, JobStatusFailed, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// Job is one user-submitted command execution. IDs are dense integers from
// the job counter. CmdJSON holds either a JSON string (run through a
// shell) or a JSON array (exec'd as argv), preserving which form the
// submitter used.
type Job struct {
	ID         int64  `gorm:"primaryKey;autoIncrement:false"`
	Owner      string `gorm:"not null;index"`
	CmdJSON    string `gorm:"not null"`
	Env        StringMap `gorm:"type:text"`
	Status     string    `gorm:"not null;index"`
	ReturnCode *int
	CreatedAt  time.Time `gorm:"not null"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	Stdout     []byte
	Stderr     []byte
	// Artifact is the gzipped tar the container's end-of-job script left in
	// /artifact_output, kept only when it actually contains files.
	Artifact []byte
}

// JobFile is an input file injected into the job's container before the
// command runs. RootOwned files keep root ownership instead of being
// chowned to the job user.
type JobFile struct {
	JobID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Seq       int    `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"not null"`
	Data      []byte
	RootOwned bool `gorm:"not null;default:false"`
}

// QueueEntry is one pending job in the FIFO dispatch queue. Position is
// assigned as max+1 inside the enqueueing transaction (the store has a
// single writer), so queue order is insertion order. A job id sits here
// only while its status is CREATED or QUEUED.
type QueueEntry struct {
	Position int64 `gorm:"primaryKey;autoIncrement:false"`
	JobID    int64 `gorm:"not null;uniqueIndex"`
}

// -----------------------------------------------------------------------------
// HTTP users
// -----------------------------------------------------------------------------

// HTTPUser is a dashboard account, separate from the BBS User but sharing
// the uppercase username. RFEnabled is not stored: it is derived as
// "username absent from config.blacklist".
type HTTPUser struct {
	Username       string `gorm:"primaryKey"`
	PasswordHash   string `gorm:"not null"`
	HTTPEnabled    bool   `gorm:"not null;default:true"`
	CreatedAt      time.Time `gorm:"not null"`
	LastLogin      *time.Time
	FailedAttempts int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Counters & config
// -----------------------------------------------------------------------------

// Counter names.
const (
	CounterBulletins = "bulletin_counter"
	CounterJobs      = "job_counter"
)

// Counter is a named dense id allocator. NextValue is the id the next
// allocation returns; increments happen inside the transaction that uses
// the fresh id, so ids are monotonic and never reused.
type Counter struct {
	Name      string `gorm:"primaryKey"`
	NextValue int64  `gorm:"not null;default:0"`
}

// ConfigEntry is one key of the mutable server configuration, stored as a
// JSON document.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}
