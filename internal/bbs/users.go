package bbs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// Admit handles a new connection's identity in one transaction: if the
// base callsign is blacklisted it reports so without touching anything
// else; otherwise it touches last_seen, creating the account on first
// contact (enabled by default — SYSTEM is the one reserved name).
func (s *Service) Admit(ctx context.Context, remote string) (blacklisted bool, err error) {
	base := callsign.Base(remote)
	if base == "" {
		return true, nil
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		cfg, err := repositories.NewConfigRepository(tx).Load(ctx)
		if err != nil {
			return err
		}
		if cfg.Blacklisted(base) {
			blacklisted = true
			return nil
		}

		users := repositories.NewUserRepository(tx)
		user, err := users.GetByCallsign(ctx, base)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			if base == db.SystemCallsign || !callsign.ValidBase(base) {
				blacklisted = true
				return nil
			}
			now := time.Now().UTC()
			s.logger.Info("creating user on first contact", zap.String("callsign", base))
			return users.Create(ctx, &db.User{
				UUID:      newUUID(),
				Callsign:  base,
				Enabled:   true,
				CreatedAt: now,
				LastSeen:  now,
			})
		case err != nil:
			return err
		}

		user.LastSeen = time.Now().UTC()
		return users.Update(ctx, user)
	})
	return blacklisted, err
}

// RootInfo builds the GET / payload: operator, message of the day, the
// caller's enablement line, and whether the server currently accepts jobs.
// orchestratorUp reflects whether a runner pool is live.
func (s *Service) RootInfo(ctx context.Context, caller string, orchestratorUp bool) (map[string]any, error) {
	base := callsign.Base(caller)
	var info map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		cfg, err := repositories.NewConfigRepository(tx).Load(ctx)
		if err != nil {
			return err
		}

		enabled := "not enabled"
		if user, err := repositories.NewUserRepository(tx).GetByCallsign(ctx, base); err == nil && user.Enabled {
			enabled = "enabled"
		}

		info = map[string]any{
			"operator":     cfg.Operator,
			"motd":         cfg.MOTD,
			"user":         fmt.Sprintf("User %s is %s", base, enabled),
			"accepts_jobs": cfg.JobsEnabled && orchestratorUp,
		}
		return nil
	})
	return info, err
}

// UserView renders a user's safe dict: the public profile without any
// internal bookkeeping.
func UserView(u *db.User) map[string]any {
	socials := []string(u.Socials)
	if socials == nil {
		socials = []string{}
	}
	return map[string]any{
		"username":   u.Callsign,
		"uuid":       u.UUID.String(),
		"created_at": formatTime(u.CreatedAt),
		"last_seen":  formatTime(u.LastSeen),
		"bio":        u.Bio,
		"status":     u.Status,
		"email":      u.Email,
		"location":   u.Location,
		"socials":    socials,
	}
}

// ListUsers returns the safe dicts of all visible users, ordered by
// callsign. The caller must be an enabled user.
func (s *Service) ListUsers(ctx context.Context, caller string, limit int) ([]map[string]any, error) {
	var views []map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := requireEnabledUser(ctx, tx, caller); err != nil {
			return err
		}
		users, err := repositories.NewUserRepository(tx).ListVisible(ctx, limit)
		if err != nil {
			return err
		}
		views = make([]map[string]any, 0, len(users))
		for i := range users {
			views = append(views, UserView(&users[i]))
		}
		return nil
	})
	return views, err
}

// GetUser returns one user's safe dict. Hidden users answer as missing.
func (s *Service) GetUser(ctx context.Context, caller, target string) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := requireEnabledUser(ctx, tx, caller); err != nil {
			return err
		}
		user, err := repositories.NewUserRepository(tx).GetByCallsign(ctx, callsign.Base(target))
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if user.Hidden {
			return ErrNotFound
		}
		view = UserView(user)
		return nil
	})
	return view, err
}

// UserPatch is a partial profile update; nil fields are untouched.
type UserPatch struct {
	Email    *string
	Bio      *string
	Status   *string
	Location *string
	Socials  []string
}

// UpdateUser applies a partial patch to the caller's own profile. Email is
// validated; the free-text fields are truncated to their caps.
func (s *Service) UpdateUser(ctx context.Context, caller string, patch UserPatch) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}

		if patch.Email != nil {
			if *patch.Email != "" && !validEmail(*patch.Email) {
				return invalid("email must be valid format")
			}
			user.Email = *patch.Email
		}
		if patch.Bio != nil {
			user.Bio = truncate(*patch.Bio, maxBioLen)
		}
		if patch.Status != nil {
			user.Status = truncate(*patch.Status, maxStatusLen)
		}
		if patch.Location != nil {
			user.Location = truncate(*patch.Location, maxLocationLen)
		}
		if patch.Socials != nil {
			socials := make([]string, 0, len(patch.Socials))
			for _, social := range patch.Socials {
				socials = append(socials, truncate(social, maxSocialLen))
			}
			user.Socials = socials
		}

		if err := repositories.NewUserRepository(tx).Update(ctx, user); err != nil {
			return err
		}
		view = UserView(user)
		return nil
	})
	return view, err
}
