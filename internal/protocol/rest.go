package protocol

import "time"

// REST endpoints served next to the hub
const (
	PathSignIn    = "/api/auth/sign-in"
	PathLoadRooms = "/api/chat/load-rooms"
	PathRoomUsers = "/api/chat/room/get-room-user"
	PathMessages  = "/api/chat/messages"
	PathHub       = "/chathub"
)

// MaxPageLimit is the largest page the list and history endpoints return.
// Larger limits are capped.
const MaxPageLimit = 100

// SignInRequest is posted to the sign-in endpoint
type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SignInResponse carries the bearer token and the signed-in profile
type SignInResponse struct {
	UserToken UserToken `json:"userToken"`
	User      *User     `json:"user,omitempty"`
}

type UserToken struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// User is a group member as returned by the roster endpoint
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProfilePhoto string `json:"profilePhoto"`
}

// Group is one entry of the rooms listing
type Group struct {
	ID              string    `json:"id"`
	GroupName       string    `json:"groupName"`
	Avatar          string    `json:"avatar"`
	LastMessage     string    `json:"lastMessage"`
	LastInteraction time.Time `json:"lastInteraction"`
}

// RoomUsers is the roster of a group from the caller's point of view
type RoomUsers struct {
	CurrentUser User   `json:"currentUser"`
	OtherUsers  []User `json:"otherUsers"`
}

// HistoryPage is one page of group history, oldest first. An empty
// NextCursor means there is nothing older.
type HistoryPage struct {
	Messages   []ChatMessage `json:"messages"`
	NextCursor string        `json:"nextCursor"`
}
