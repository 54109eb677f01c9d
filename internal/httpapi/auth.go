package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// login failure sentinels, deliberately indistinguishable to the client.
var (
	errInvalidCredentials = errors.New("httpapi: invalid credentials")
	errAccountDisabled    = errors.New("httpapi: account disabled")
)

type contextKey int

const contextKeyIdentity contextKey = iota

// Identity is the authenticated dashboard account attached to the
// request context.
type Identity struct {
	Username string
}

// IdentityFromCtx returns the identity stored by the Authenticate
// middleware, or nil on unauthenticated requests.
func IdentityFromCtx(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKeyIdentity).(*Identity)
	return id
}

// Authenticator validates Basic credentials against stored argon2id
// hashes and bearer tokens against the token manager.
type Authenticator struct {
	store  *db.Store
	tokens *TokenManager
	logger *zap.Logger

	// dummyHash is verified against when the username does not exist,
	// so a missing account costs the same time as a wrong password.
	dummyHash string
}

// NewAuthenticator builds the authenticator over the shared store.
func NewAuthenticator(store *db.Store, tokens *TokenManager, logger *zap.Logger) (*Authenticator, error) {
	pw, err := RandomPassword(16)
	if err != nil {
		return nil, err
	}
	dummy, err := HashPassword(pw)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		store:  store,
		tokens: tokens,
		logger: logger.Named("httpauth"),
		dummyHash: dummy,
	}, nil
}

// VerifyBasic checks a username/password pair. On success it resets the
// account's failure counter and stamps last_login; on a wrong password
// it increments the counter. Unknown accounts and wrong passwords both
// come back as errInvalidCredentials.
func (a *Authenticator) VerifyBasic(ctx context.Context, username, password string) (*db.HTTPUser, error) {
	username = strings.ToUpper(strings.TrimSpace(username))
	var account *db.HTTPUser
	err := a.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewHTTPUserRepository(tx)
		user, err := repo.Get(ctx, username)
		if errors.Is(err, repositories.ErrNotFound) {
			VerifyPassword(password, a.dummyHash)
			return errInvalidCredentials
		}
		if err != nil {
			return err
		}
		if !VerifyPassword(password, user.PasswordHash) {
			user.FailedAttempts++
			if err := repo.Update(ctx, user); err != nil {
				return err
			}
			return errInvalidCredentials
		}
		if !user.HTTPEnabled {
			return errAccountDisabled
		}
		now := time.Now().UTC()
		user.LastLogin = &now
		user.FailedAttempts = 0
		if err := repo.Update(ctx, user); err != nil {
			return err
		}
		account = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// verifyBearer resolves a bearer token to an enabled account.
func (a *Authenticator) verifyBearer(ctx context.Context, token string) (*db.HTTPUser, error) {
	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, errInvalidCredentials
	}
	var account *db.HTTPUser
	err = a.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := repositories.NewHTTPUserRepository(tx).Get(ctx, claims.Username)
		if errors.Is(err, repositories.ErrNotFound) {
			return errInvalidCredentials
		}
		if err != nil {
			return err
		}
		if !user.HTTPEnabled {
			return errAccountDisabled
		}
		account = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Authenticate is the middleware guarding /api/v1. It accepts either
// HTTP Basic credentials or "Bearer <token>" and attaches the resolved
// identity to the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := a.authenticate(r)
		switch {
		case err == nil:
			ctx := context.WithValue(r.Context(), contextKeyIdentity, &Identity{Username: account.Username})
			next.ServeHTTP(w, r.WithContext(ctx))
		case errors.Is(err, errAccountDisabled):
			ErrForbidden(w)
		case errors.Is(err, errInvalidCredentials):
			w.Header().Set("WWW-Authenticate", `Basic realm="packetserver"`)
			ErrUnauthorized(w)
		default:
			a.logger.Error("authentication failed", zap.Error(err))
			ErrInternal(w)
		}
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*db.HTTPUser, error) {
	if username, password, ok := r.BasicAuth(); ok {
		return a.VerifyBasic(r.Context(), username, password)
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return a.verifyBearer(r.Context(), parts[1])
	}
	return nil, errInvalidCredentials
}
