package domain

// Channel identifies the transport a message arrived on.
type Channel string

const (
	ChannelSMS Channel = "sms"
	ChannelWeb Channel = "web"
)

const (
	phoneKeyPrefix   = "phone:"
	userKeyPrefix    = "user:"
	sessionKeyMarker = "#session:"
)

// ThreadKey is the canonical identifier of one continuous conversation.
// The concrete types are PhoneThread and WebThread.
type ThreadKey interface {
	String() string
	Channel() Channel
	isThreadKey()
}

// PhoneThread is the single thread owned by one E.164 phone number.
type PhoneThread struct {
	Phone string
}

func (k PhoneThread) String() string   { return phoneKeyPrefix + k.Phone }
func (k PhoneThread) Channel() Channel { return ChannelSMS }
func (PhoneThread) isThreadKey()       {}

// WebThread is one web chat session of a user.
type WebThread struct {
	UserID    string
	SessionID string
}

func (k WebThread) String() string {
	return userKeyPrefix + k.UserID + sessionKeyMarker + k.SessionID
}
func (k WebThread) Channel() Channel { return ChannelWeb }
func (WebThread) isThreadKey()       {}
