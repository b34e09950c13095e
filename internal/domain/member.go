package domain

import "time"

// Member represents one connection's participation in a room.
// No transport or lifecycle logic here.
type Member struct {
	UserID   UserID
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user UserID) *Member {
	return &Member{UserID: user, JoinedAt: time.Now()}
}
