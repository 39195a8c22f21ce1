package server

import (
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"

	"github.com/yourusername/groupchat/internal/protocol"
)

// User is an account of the backend
type User struct {
	ID       string
	Username string
	Name     string
	Avatar   string
	password string
}

func (u *User) wire() protocol.User {
	return protocol.User{ID: u.ID, Name: u.Name, ProfilePhoto: u.Avatar}
}

// UserManager holds accounts and the bearer tokens issued to them
type UserManager struct {
	users     map[string]*User // UserID -> User
	usernames map[string]*User // Username -> User
	tokens    map[string]*User // token -> User
	mu        sync.RWMutex
}

// NewUserManager creates a user manager from seed accounts
func NewUserManager(seed []SeedUser) *UserManager {
	um := &UserManager{
		users:     make(map[string]*User),
		usernames: make(map[string]*User),
		tokens:    make(map[string]*User),
	}
	for _, su := range seed {
		name := sanitizeName(su.Name)
		if name == "" {
			name = su.Username
		}
		user := &User{
			ID:       su.ID,
			Username: su.Username,
			Name:     name,
			Avatar:   su.Avatar,
			password: su.Password,
		}
		um.users[user.ID] = user
		um.usernames[user.Username] = user
	}
	return um
}

// SignIn checks a password and issues a new token
func (um *UserManager) SignIn(username, password string) (*User, string, bool) {
	um.mu.Lock()
	defer um.mu.Unlock()

	user, ok := um.usernames[username]
	if !ok || subtle.ConstantTimeCompare([]byte(user.password), []byte(password)) != 1 {
		return nil, "", false
	}
	token := uuid.New().String()
	um.tokens[token] = user
	return user, token, true
}

// UserByToken resolves a bearer token
func (um *UserManager) UserByToken(token string) (*User, bool) {
	um.mu.RLock()
	defer um.mu.RUnlock()
	user, ok := um.tokens[token]
	return user, ok
}

// Revoke invalidates a token
func (um *UserManager) Revoke(token string) {
	um.mu.Lock()
	defer um.mu.Unlock()
	delete(um.tokens, token)
}

// UserByUsername looks up an account
func (um *UserManager) UserByUsername(username string) (*User, bool) {
	um.mu.RLock()
	defer um.mu.RUnlock()
	user, ok := um.usernames[username]
	return user, ok
}

// UserByID looks up an account
func (um *UserManager) UserByID(id string) (*User, bool) {
	um.mu.RLock()
	defer um.mu.RUnlock()
	user, ok := um.users[id]
	return user, ok
}
