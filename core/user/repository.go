package user

import (
	"sort"
	"sync"
)

// Repository stores users.
type Repository interface {
	CheckEmailUniqueness(email string, excludedUsers ...User) error
	CreateUser(usr User) (User, error)
	QueryAllUsers() ([]User, error)
	GetUserByID(id int) (User, error)
	GetUserByEmail(email string) (User, error)
	UpdateUser(usr User) (User, error)
}

type memoryRepository struct {
	mu     sync.RWMutex
	pk     int
	table  map[int]*User
	emails map[string]int
}

var _ Repository = (*memoryRepository)(nil)

// NewMemoryRepository returns a Repository keeping the users in memory.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		table:  make(map[int]*User),
		emails: make(map[string]int),
	}
}

func (repo *memoryRepository) CheckEmailUniqueness(email string, excludedUsers ...User) error {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	id, ok := repo.emails[email]
	if !ok {
		return nil
	}
	for _, excl := range excludedUsers {
		if excl.ID == id {
			return nil
		}
	}
	return ErrEmailExists
}

func (repo *memoryRepository) CreateUser(usr User) (User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if _, ok := repo.emails[usr.Email]; ok {
		return User{}, ErrEmailExists
	}
	repo.pk++
	usr.ID = repo.pk
	repo.table[usr.ID] = &usr
	repo.emails[usr.Email] = usr.ID
	return usr, nil
}

func (repo *memoryRepository) QueryAllUsers() ([]User, error) {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	users := make([]User, 0, len(repo.table))
	for _, u := range repo.table {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (repo *memoryRepository) GetUserByID(id int) (User, error) {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	if usr, ok := repo.table[id]; ok {
		return *usr, nil
	}
	return User{}, ErrNotFound
}

func (repo *memoryRepository) GetUserByEmail(email string) (User, error) {
	repo.mu.RLock()
	defer repo.mu.RUnlock()

	if id, ok := repo.emails[email]; ok {
		return *repo.table[id], nil
	}
	return User{}, ErrNotFound
}

func (repo *memoryRepository) UpdateUser(usr User) (User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	prev, ok := repo.table[usr.ID]
	if !ok {
		return User{}, ErrNotFound
	}
	if prev.Email != usr.Email {
		if id, taken := repo.emails[usr.Email]; taken && id != usr.ID {
			return User{}, ErrEmailExists
		}
		delete(repo.emails, prev.Email)
		repo.emails[usr.Email] = usr.ID
	}
	repo.table[usr.ID] = &usr
	return usr, nil
}
