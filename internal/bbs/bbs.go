// Package bbs implements the domain logic of the bulletin board: users,
// bulletins, private mail with attachments, content objects, and job
// submission. Both front-ends — the radio dispatcher and the HTTP façade —
// call into this one service, and every operation that touches the store
// does so inside a single transaction.
//
// Operations return map[string]any views ready for the dynamic payloads of
// the wire protocol; the HTTP façade serialises the same views as JSON.
package bbs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// Sentinel errors the front-ends translate to response statuses.
var (
	// ErrUnauthorized means the caller is unknown or disabled (401).
	ErrUnauthorized = errors.New("bbs: user not authorized")

	// ErrForbidden means the caller is not the owner of the target (403).
	ErrForbidden = errors.New("bbs: forbidden")

	// ErrNotFound means the addressed record does not exist (404).
	ErrNotFound = errors.New("bbs: not found")

	// ErrJobsDisabled means job submission is switched off in the server
	// config (400).
	ErrJobsDisabled = errors.New("bbs: jobs are disabled")
)

// ValidationError carries the short message a 400 response shows the user.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "bbs: " + e.Msg }

// invalid builds a ValidationError.
func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Field length caps. Truncating fields are silently clipped on write;
// rejecting fields (names) fail validation instead.
const (
	maxBioLen        = 4000
	maxStatusLen     = 300
	maxLocationLen   = 1000
	maxSocialLen     = 300
	maxNameLen       = 300
	dateDigitsLayout = "20060102150405"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EventSink receives domain events for fan-out to dashboard subscribers.
// Implemented by the HTTP façade's websocket hub; a nil-safe no-op is used
// when no façade is running.
type EventSink interface {
	BulletinPosted(id int64, author, subject string)
	MessageDelivered(msgUUID, sender string, recipients []string)
	JobFinished(id int64, owner, status string)
}

// nopSink discards all events.
type nopSink struct{}

func (nopSink) BulletinPosted(int64, string, string)        {}
func (nopSink) MessageDelivered(string, string, []string)   {}
func (nopSink) JobFinished(int64, string, string)           {}

// Service is the domain layer over one store.
type Service struct {
	store  *db.Store
	logger *zap.Logger
	events EventSink
}

// NewService builds a Service. events may be nil.
func NewService(store *db.Store, logger *zap.Logger, events EventSink) *Service {
	if events == nil {
		events = nopSink{}
	}
	return &Service{
		store:  store,
		logger: logger.Named("bbs"),
		events: events,
	}
}

// Store exposes the underlying store for components that run their own
// transactions against it (job worker, HTTP façade auth).
func (s *Service) Store() *db.Store { return s.store }

// SetEventSink installs the event sink after construction. The façade's
// hub is created later in startup than the service.
func (s *Service) SetEventSink(events EventSink) {
	if events == nil {
		events = nopSink{}
	}
	s.events = events
}

// Bootstrap makes a fresh store serviceable: it persists the default
// configuration (the blacklist always carrying SYSTEM) and creates the
// hidden, disabled SYSTEM user. Safe to run on every startup.
func (s *Service) Bootstrap(ctx context.Context, serverCallsign, serverName string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		cfgRepo := repositories.NewConfigRepository(tx)
		cfg, err := cfgRepo.Load(ctx)
		if err != nil {
			return err
		}
		if serverCallsign != "" {
			cfg.ServerCallsign = callsign.Base(serverCallsign)
		}
		if serverName != "" {
			cfg.ServerName = serverName
		}
		if err := cfgRepo.Save(ctx, cfg); err != nil {
			return err
		}

		users := repositories.NewUserRepository(tx)
		_, err = users.GetByCallsign(ctx, db.SystemCallsign)
		if errors.Is(err, repositories.ErrNotFound) {
			now := time.Now().UTC()
			return users.Create(ctx, &db.User{
				UUID:      newUUID(),
				Callsign:  db.SystemCallsign,
				Enabled:   false,
				Hidden:    true,
				CreatedAt: now,
				LastSeen:  now,
			})
		}
		return err
	})
}

// Config loads the live server configuration in its own transaction.
func (s *Service) Config(ctx context.Context) (*repositories.ServerConfig, error) {
	var cfg *repositories.ServerConfig
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		cfg, err = repositories.NewConfigRepository(tx).Load(ctx)
		return err
	})
	return cfg, err
}

// SaveConfig persists a full server configuration.
func (s *Service) SaveConfig(ctx context.Context, cfg *repositories.ServerConfig) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return repositories.NewConfigRepository(tx).Save(ctx, cfg)
	})
}

// requireEnabledUser loads the caller and rejects unknown or disabled
// accounts. Every authenticated operation starts here, inside the caller's
// transaction.
func requireEnabledUser(ctx context.Context, tx *gorm.DB, caller string) (*db.User, error) {
	user, err := repositories.NewUserRepository(tx).GetByCallsign(ctx, callsign.Base(caller))
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, ErrUnauthorized
	}
	return user, nil
}

// truncate clips s to max runes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// validEmail reports whether s looks like a deliverable address.
func validEmail(s string) bool {
	return emailRe.MatchString(s)
}

// ParseDateDigits parses the wire's compact yyyymmddHHMMSS form, accepting
// any prefix down to a bare year padded per the original convention: the
// missing low-order digits default to the start of their range.
func ParseDateDigits(s string) (time.Time, error) {
	digits := strings.TrimSpace(s)
	if digits == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("date must be digits in yyyymmddHHMMSS form")
		}
	}
	if len(digits) < 4 {
		return time.Time{}, fmt.Errorf("date too short")
	}
	if len(digits) > len(dateDigitsLayout) {
		digits = digits[:len(dateDigitsLayout)]
	}
	// Pad with the zero point of each missing component: month and day
	// default to 01, the time fields to 00.
	const zeroTail = "0101000000"
	if pad := len(digits) - 4; pad < len(zeroTail) {
		digits += zeroTail[pad:]
	}
	return time.Parse(dateDigitsLayout, digits)
}

// formatTime renders a timestamp for payload dicts. The zero time renders
// as the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatTimePtr renders an optional timestamp.
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// newUUID draws a v4 uuid for domain entities.
func newUUID() uuid.UUID {
	return uuid.New()
}
