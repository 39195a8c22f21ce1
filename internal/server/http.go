package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/protocol"
)

const defaultPageLimit = 20

type ctxKey struct{}

func userFrom(ctx context.Context) *User {
	u, _ := ctx.Value(ctxKey{}).(*User)
	return u
}

// Handler builds the HTTP router: REST endpoints, the hub and /metrics
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(protocol.PathSignIn, s.handleSignIn)
	r.Get(protocol.PathHub, s.HandleHub)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get(protocol.PathLoadRooms, s.handleLoadRooms)
		r.Get(protocol.PathRoomUsers, s.handleRoomUsers)
		r.Get(protocol.PathMessages, s.handleMessages)
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.users.UserByToken(bearerToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if !s.limiter.Allow(req.Username) {
		s.metrics.signIns.WithLabelValues("limited").Inc()
		writeError(w, http.StatusTooManyRequests, "too many sign-in attempts")
		return
	}

	user, token, ok := s.users.SignIn(req.Username, req.Password)
	if !ok {
		s.metrics.signIns.WithLabelValues("rejected").Inc()
		log.Info().Str("user", req.Username).Msg("[http] sign-in rejected")
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	s.metrics.signIns.WithLabelValues("ok").Inc()
	profile := user.wire()
	writeJSON(w, http.StatusOK, protocol.SignInResponse{
		UserToken: protocol.UserToken{AccessToken: token},
		User:      &profile,
	})
}

func (s *Server) handleLoadRooms(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	page, err := intParam(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > protocol.MaxPageLimit {
		limit = protocol.MaxPageLimit
	}

	rooms := s.rooms.RoomsFor(user.ID)
	start := (page - 1) * limit
	if start > len(rooms) {
		start = len(rooms)
	}
	end := start + limit
	if end > len(rooms) {
		end = len(rooms)
	}

	out := make([]protocol.Group, 0, end-start)
	for _, room := range rooms[start:end] {
		g := protocol.Group{ID: room.ID, GroupName: room.Name, Avatar: room.Avatar}
		last, ok, err := s.store.Last(room.ID)
		if err != nil {
			log.Error().Err(err).Str("group", room.ID).Msg("[http] failed to read last message")
			writeError(w, http.StatusInternalServerError, "failed to load rooms")
			return
		}
		if ok {
			if last.Message != nil {
				g.LastMessage = *last.Message
			}
			g.LastInteraction = last.CreatedAt
		}
		out = append(out, g)
	}
	writeJSON(w, http.StatusOK, out)
}

// memberRoom resolves the groupId parameter to a room the caller belongs to
func (s *Server) memberRoom(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	groupID := r.URL.Query().Get("groupId")
	if groupID == "" {
		writeError(w, http.StatusBadRequest, "groupId is required")
		return nil, false
	}
	room := s.rooms.GetRoom(groupID)
	if room == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return nil, false
	}
	if !room.IsMember(userFrom(r.Context()).ID) {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return nil, false
	}
	return room, true
}

func (s *Server) handleRoomUsers(w http.ResponseWriter, r *http.Request) {
	room, ok := s.memberRoom(w, r)
	if !ok {
		return
	}
	current := userFrom(r.Context())

	resp := protocol.RoomUsers{CurrentUser: current.wire(), OtherUsers: []protocol.User{}}
	for _, id := range room.MemberIDs() {
		if id == current.ID {
			continue
		}
		if u, ok := s.users.UserByID(id); ok {
			resp.OtherUsers = append(resp.OtherUsers, u.wire())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.memberRoom(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > protocol.MaxPageLimit {
		limit = protocol.MaxPageLimit
	}

	page, err := s.store.Page(room.ID, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, ErrBadCursor) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("group", room.ID).Msg("[http] failed to read history")
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[http] failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
