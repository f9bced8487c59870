package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"xr-multiplayer/internal/models"
)

// MemoryDB keeps the registry in process. Rooms do not survive a restart.
type MemoryDB struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account
	emails   map[string]string
	rooms    map[string]*models.RoomSummary
	codes    map[string]string
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[string]*models.Account),
		emails:   make(map[string]string),
		rooms:    make(map[string]*models.RoomSummary),
		codes:    make(map[string]string),
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

func (db *MemoryDB) CreateAccount(_ context.Context, a *models.Account) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	email := strings.ToLower(a.Email)
	if _, ok := db.emails[email]; ok {
		return ErrConflict
	}
	if _, ok := db.accounts[a.ID]; ok {
		return ErrConflict
	}
	a.CreatedAt = time.Now()
	stored := *a
	db.accounts[a.ID] = &stored
	db.emails[email] = a.ID
	return nil
}

func (db *MemoryDB) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	a := *db.accounts[id]
	return &a, nil
}

func (db *MemoryDB) GetAccountByID(_ context.Context, id string) (*models.Account, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	a, ok := db.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	c.PasswordHash = ""
	return &c, nil
}

func (db *MemoryDB) CreateRoom(_ context.Context, r *models.RoomSummary) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[r.ID]; ok {
		return ErrConflict
	}
	if _, ok := db.codes[r.Code]; ok {
		return ErrConflict
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	stored := *r
	db.rooms[r.ID] = &stored
	db.codes[r.Code] = r.ID
	return nil
}

func (db *MemoryDB) GetRoomByID(_ context.Context, id string) (*models.RoomSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, ok := db.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (db *MemoryDB) GetRoomByCode(ctx context.Context, code string) (*models.RoomSummary, error) {
	db.mu.RLock()
	id, ok := db.codes[code]
	db.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return db.GetRoomByID(ctx, id)
}

// UpdateRoom overwrites the mutable fields. The code never changes.
func (db *MemoryDB) UpdateRoom(_ context.Context, r *models.RoomSummary) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	cur, ok := db.rooms[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = r.Name
	cur.Status = r.Status
	cur.HostID = r.HostID
	cur.MaxUsers = r.MaxUsers
	cur.Settings = r.Settings
	return nil
}

func (db *MemoryDB) ListPublicRooms(_ context.Context, limit int) ([]*models.RoomSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rooms []*models.RoomSummary
	for _, r := range db.rooms {
		if r.Settings.Visibility != models.VisibilityPublic || r.Status == models.RoomStatusClosed {
			continue
		}
		c := *r
		rooms = append(rooms, &c)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}
