// Package session wires the credential store, the hub channel, the group
// directory, the conversation store and the composer into one client
// session.
//
// A cleared credential, whether from Logout or from the backend rejecting
// the token, disconnects the channel and drops every piece of per-user
// state.
package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/client/api"
	"github.com/yourusername/groupchat/internal/client/auth"
	"github.com/yourusername/groupchat/internal/client/composer"
	"github.com/yourusername/groupchat/internal/client/connection"
	"github.com/yourusername/groupchat/internal/client/conversation"
	"github.com/yourusername/groupchat/internal/client/directory"
	"github.com/yourusername/groupchat/internal/config"
)

// Session is the client state of one process
type Session struct {
	cfg   config.Config
	creds *auth.Store
	conn  *connection.Manager
	dir   *directory.Directory
	convs *conversation.Store
	comp  *composer.Composer
}

// New builds a signed-out session from cfg
func New(cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hubURL, err := cfg.HubURL()
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.BaseURL, cfg.RequestTimeout)
	creds := auth.NewStore(client)
	conn := connection.NewManager(connection.Config{
		URL:              hubURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		InvokeTimeout:    cfg.InvokeTimeout,
		ReconnectDelays:  cfg.ReconnectDelays,
	})
	convs := conversation.NewStore(client.Authorized(creds), cfg.HistoryPageSize)

	s := &Session{
		cfg:   cfg,
		creds: creds,
		conn:  conn,
		dir:   directory.New(client),
		convs: convs,
		comp:  composer.New(conn, convs, composer.WithSenderID(creds.UserID)),
	}

	conn.OnMessage(func(e connection.ChatEvent) {
		s.convs.AppendIncoming(e.GroupID, conversation.FromWire(e.GroupID, e.Message))
	})
	conn.OnServerEvent(func(e connection.ProcessEvent) {
		s.comp.TrackStatus(e.RequestID, e.Status)
	})
	conn.OnEvent(func(ev connection.Event) {
		if d, ok := ev.(connection.DisconnectedEvent); ok && chaterr.IsUnauthorized(d.Error) {
			s.creds.Invalidate(d.Token)
		}
	})
	creds.OnChange(func(c auth.Credential) {
		if c.Valid() {
			return
		}
		s.conn.Disconnect()
		s.dir.Reset()
		s.convs.Reset()
		s.comp.Reset()
	})
	return s, nil
}

// Login signs in, opens the hub channel and fetches the first page of
// groups. Signing in as another user replaces the previous session state.
func (s *Session) Login(ctx context.Context, username, password string) (auth.Credential, error) {
	prev, _ := s.creds.Current()
	cred, err := s.creds.Authenticate(ctx, username, password)
	if err != nil {
		return auth.Credential{}, err
	}
	if prev.Valid() && prev.UserID != cred.UserID {
		s.dir.Reset()
		s.convs.Reset()
		s.comp.Reset()
	}

	if err := s.conn.Open(ctx, cred); err != nil {
		s.checkAuth(cred.AccessToken, err)
		return cred, err
	}
	if _, err := s.dir.ListGroups(ctx, cred, 1, s.cfg.GroupPageSize); err != nil {
		s.checkAuth(cred.AccessToken, err)
		return cred, err
	}
	log.Info().Str("user", cred.DisplayName).Int("groups", len(s.dir.Groups())).Msg("[session] ready")
	return cred, nil
}

// Logout clears the credential and with it every piece of session state
func (s *Session) Logout() {
	s.creds.Logout()
}

// Credential returns the current credential
func (s *Session) Credential() (auth.Credential, bool) {
	return s.creds.Current()
}

// Groups returns the last fetched group list
func (s *Session) Groups() []directory.Group {
	return s.dir.Groups()
}

// RefreshGroups fetches a page of groups, replacing the held list
func (s *Session) RefreshGroups(ctx context.Context, page int) ([]directory.Group, error) {
	cred, _ := s.creds.Current()
	groups, err := s.dir.ListGroups(ctx, cred, page, s.cfg.GroupPageSize)
	s.checkAuth(cred.AccessToken, err)
	return groups, err
}

// SelectGroup activates groupID, loading its roster and history on first
// selection
func (s *Session) SelectGroup(ctx context.Context, groupID string) error {
	token, _ := s.creds.Token()
	err := s.convs.SelectGroup(ctx, groupID)
	s.checkAuth(token, err)
	return err
}

// ActiveGroup returns the selected group id
func (s *Session) ActiveGroup() string {
	return s.convs.Active()
}

// LoadMore fetches the next older page of groupID
func (s *Session) LoadMore(ctx context.Context, groupID string) ([]conversation.Message, error) {
	token, _ := s.creds.Token()
	msgs, err := s.convs.LoadMore(ctx, groupID)
	s.checkAuth(token, err)
	return msgs, err
}

// Conversation returns a snapshot of groupID
func (s *Session) Conversation(groupID string) (conversation.ConversationState, bool) {
	return s.convs.State(groupID)
}

// Send composes and sends one message to groupID
func (s *Session) Send(ctx context.Context, groupID string, text *string, medias, files []string) (conversation.Message, error) {
	return s.comp.Compose(ctx, groupID, text, medias, files)
}

// Draft returns the input buffer of groupID
func (s *Session) Draft(groupID string) *composer.Draft {
	return s.comp.Draft(groupID)
}

// Status returns the last processing status of a sent request
func (s *Session) Status(requestID string) (string, bool) {
	return s.comp.Status(requestID)
}

// OnConversationChange registers fn to be called after a group changes
func (s *Session) OnConversationChange(fn func(groupID string)) {
	s.convs.OnChange(fn)
}

// OnEvent registers a callback for channel events
func (s *Session) OnEvent(fn func(connection.Event)) {
	s.conn.OnEvent(fn)
}

// State returns the channel state
func (s *Session) State() connection.State {
	return s.conn.State()
}

// Close shuts the channel down. The session cannot be used afterwards.
func (s *Session) Close() {
	s.conn.Close()
}

// checkAuth signs out when the backend rejected token
func (s *Session) checkAuth(token string, err error) {
	if err == nil || token == "" {
		return
	}
	if chaterr.IsUnauthorized(err) {
		s.creds.Invalidate(token)
	}
}
