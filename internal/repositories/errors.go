package repositories

import "errors"

// ErrNotFound is returned when the requested record does not exist.
// Callers distinguish it from other database errors with errors.Is:
//
//	user, err := repo.GetByCallsign(ctx, "W1AW")
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint — for example allocating a message uuid that already exists,
// or creating a user whose callsign is taken.
var ErrConflict = errors.New("record already exists")
