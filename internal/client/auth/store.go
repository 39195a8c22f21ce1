// Package auth holds the session credential obtained from the sign-in
// endpoint and tells dependents when it changes.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/protocol"
)

// Credential is the bearer token of a signed-in user
type Credential struct {
	AccessToken string
	UserID      string
	DisplayName string
}

// Valid reports whether the credential carries a token
func (c Credential) Valid() bool { return c.AccessToken != "" }

// SignInClient performs the sign-in call
type SignInClient interface {
	SignIn(ctx context.Context, username, password string) (protocol.SignInResponse, error)
}

// Store holds at most one credential for the process
type Store struct {
	client SignInClient

	mu   sync.RWMutex
	cred Credential
	subs []func(Credential)
}

// NewStore creates an empty credential store
func NewStore(client SignInClient) *Store {
	return &Store{client: client}
}

// OnChange registers fn to be called after every credential change. A
// cleared credential is passed as the zero Credential.
func (s *Store) OnChange(fn func(Credential)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Authenticate signs in and stores the resulting token. On failure the
// previously stored credential, if any, is left untouched.
func (s *Store) Authenticate(ctx context.Context, username, password string) (Credential, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Credential{}, &chaterr.AuthError{Username: username, Err: errors.New("username and password are required")}
	}

	resp, err := s.client.SignIn(ctx, username, password)
	if err != nil {
		return Credential{}, &chaterr.AuthError{Username: username, Err: err}
	}
	if resp.UserToken.AccessToken == "" {
		return Credential{}, &chaterr.AuthError{Username: username, Err: errors.New("response carried no access token")}
	}

	cred := Credential{AccessToken: resp.UserToken.AccessToken}
	if resp.User != nil {
		cred.UserID = resp.User.ID
		cred.DisplayName = resp.User.Name
	}

	s.set(cred)
	log.Info().Str("user", username).Msg("[auth] signed in")
	return cred, nil
}

// Current returns the stored credential
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.cred.Valid()
}

// Token implements api.TokenSource
func (s *Store) Token() (string, bool) {
	cred, ok := s.Current()
	return cred.AccessToken, ok
}

// UserID returns the signed-in user's id, empty when unknown
func (s *Store) UserID() string {
	cred, _ := s.Current()
	return cred.UserID
}

// Logout clears the credential
func (s *Store) Logout() {
	if _, ok := s.Current(); !ok {
		return
	}
	s.set(Credential{})
	log.Info().Msg("[auth] signed out")
}

// Invalidate clears a credential the backend no longer accepts. It is a
// no-op when token is not the stored one, so a late failure of an old token
// cannot wipe a fresh sign-in.
func (s *Store) Invalidate(token string) {
	s.mu.RLock()
	current := s.cred.AccessToken
	s.mu.RUnlock()
	if current == "" || current != token {
		return
	}
	s.set(Credential{})
	log.Warn().Msg("[auth] credential rejected by backend, signed out")
}

func (s *Store) set(cred Credential) {
	s.mu.Lock()
	s.cred = cred
	subs := append([]func(Credential){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(cred)
	}
}
