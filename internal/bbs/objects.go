package bbs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// Object list sort keys.
const (
	ObjectSortName = "name"
	ObjectSortDate = "date"
	ObjectSortSize = "size"
)

// ObjectQuery shapes an object listing.
type ObjectQuery struct {
	Sort    string // name | date | size (default date)
	Reverse bool
	Limit   int
	Search  string
	Fetch   bool // include data bytes
}

// ObjectView renders an object dict; data bytes only when fetch is set.
func ObjectView(o *db.Object, fetch bool) map[string]any {
	view := map[string]any{
		"uuid":        o.UUID.String(),
		"name":        o.Name,
		"binary":      o.Binary,
		"private":     o.Private,
		"size":        int64(len(o.Data)),
		"created_at":  formatTime(o.CreatedAt),
		"modified_at": formatTime(o.ModifiedAt),
	}
	if fetch {
		view["data"] = o.Data
	}
	return view
}

// isTextData reports whether data looks like printable text; the binary
// flag is recomputed from the payload on every data assignment.
func isTextData(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

// PostObject stores a new object owned by the caller. The object row's
// owner back-reference and the owner's object set (the owner index) are
// two views of the same write, so one transaction keeps both sides
// consistent.
func (s *Service) PostObject(ctx context.Context, caller, name string, data []byte, binary, private bool) (uuid.UUID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, invalid("object name is required")
	}
	if len(name) > maxNameLen {
		return uuid.Nil, invalid("object name exceeds %d characters", maxNameLen)
	}

	var id uuid.UUID
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		id = newUUID()
		return repositories.NewObjectRepository(tx).Create(ctx, &db.Object{
			UUID:       id,
			Name:       name,
			Data:       data,
			Binary:     binary || !isTextData(data),
			Private:    private,
			OwnerUUID:  user.UUID,
			CreatedAt:  now,
			ModifiedAt: now,
		})
	})
	return id, err
}

// GetObject returns one object dict. Private objects answer 403 to anyone
// but their owner.
func (s *Service) GetObject(ctx context.Context, caller string, id uuid.UUID, fetch bool) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		obj, err := repositories.NewObjectRepository(tx).GetByUUID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if obj.Private && obj.OwnerUUID != user.UUID {
			return ErrForbidden
		}
		view = ObjectView(obj, fetch)
		return nil
	})
	return view, err
}

// ListObjects returns the caller's objects with display options applied.
func (s *Service) ListObjects(ctx context.Context, caller string, q ObjectQuery) ([]map[string]any, error) {
	var views []map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		objs, err := repositories.NewObjectRepository(tx).ListByOwner(ctx, user.UUID)
		if err != nil {
			return err
		}

		objs = filterObjects(objs, q)
		views = make([]map[string]any, 0, len(objs))
		for i := range objs {
			views = append(views, ObjectView(&objs[i], q.Fetch))
		}
		return nil
	})
	return views, err
}

// filterObjects applies search, sort, reverse and limit in memory.
func filterObjects(objs []db.Object, q ObjectQuery) []db.Object {
	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		kept := objs[:0]
		for _, o := range objs {
			if strings.Contains(strings.ToLower(o.Name), search) {
				kept = append(kept, o)
			}
		}
		objs = kept
	}

	switch q.Sort {
	case ObjectSortName:
		sort.SliceStable(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
	case ObjectSortSize:
		sort.SliceStable(objs, func(i, j int) bool { return len(objs[i].Data) < len(objs[j].Data) })
	default:
		sort.SliceStable(objs, func(i, j int) bool { return objs[i].CreatedAt.Before(objs[j].CreatedAt) })
	}
	if q.Reverse {
		for i, j := 0, len(objs)-1; i < j; i, j = i+1, j-1 {
			objs[i], objs[j] = objs[j], objs[i]
		}
	}
	if q.Limit > 0 && len(objs) > q.Limit {
		objs = objs[:q.Limit]
	}
	return objs
}

// ObjectPatch is a partial object update; nil fields are untouched.
type ObjectPatch struct {
	Name *string
	Data []byte
}

// UpdateObject patches an object the caller owns. Assigning data touches
// modified_at and recomputes the binary flag from the new payload.
func (s *Service) UpdateObject(ctx context.Context, caller string, id uuid.UUID, patch ObjectPatch) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		repo := repositories.NewObjectRepository(tx)
		obj, err := repo.GetByUUID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if obj.OwnerUUID != user.UUID {
			return ErrForbidden
		}

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return invalid("object name is required")
			}
			if len(name) > maxNameLen {
				return invalid("object name exceeds %d characters", maxNameLen)
			}
			obj.Name = name
		}
		if patch.Data != nil {
			obj.Data = patch.Data
			obj.Binary = !isTextData(patch.Data)
			obj.ModifiedAt = time.Now().UTC()
		}

		if err := repo.Update(ctx, obj); err != nil {
			return err
		}
		view = ObjectView(obj, false)
		return nil
	})
	return view, err
}

// DeleteObject removes an object the caller owns. The global table row and
// the owner's set entry are the same record, so the removal is atomic by
// construction.
func (s *Service) DeleteObject(ctx context.Context, caller string, id uuid.UUID) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		repo := repositories.NewObjectRepository(tx)
		obj, err := repo.GetByUUID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if obj.OwnerUUID != user.UUID {
			return ErrForbidden
		}
		return repo.Delete(ctx, id)
	})
}
