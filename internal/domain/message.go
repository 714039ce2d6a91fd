package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single persisted conversation entry. Messages are never
// mutated after they are written.
type Message struct {
	ThreadKey string
	Timestamp time.Time
	// Seq disambiguates two messages written in the same timestamp tick.
	Seq       int
	MessageID string
	Role      Role
	Text      string
	Channel   Channel
	UserID    string
	Metadata  map[string]string
	TTL       int64
}

// TitleSource records how a session title was produced.
type TitleSource string

const (
	TitleNone      TitleSource = ""
	TitleNaive     TitleSource = "naive"
	TitleGenerated TitleSource = "generated"
	TitleManual    TitleSource = "manual"
)

// Session groups the messages of one web thread under a title.
type Session struct {
	SessionID    string
	UserID       string
	Title        string
	TitleSource  TitleSource
	MessageCount int
	LastActivity time.Time
	CreatedAt    time.Time
	Archived     bool
}

// Thread returns the web thread key owned by the session.
func (s Session) Thread() WebThread {
	return WebThread{UserID: s.UserID, SessionID: s.SessionID}
}
