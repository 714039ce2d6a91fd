package domain

// InboundMessage is the normalized record every channel adapter produces.
type InboundMessage struct {
	Channel            Channel
	FromAddress        string
	UserID             string
	SessionID          string
	Text               string
	TransportMessageID string
	CorrelationID      string
}

// OutboundMessage is the normalized reply handed back to the adapter.
type OutboundMessage struct {
	Text     string
	Metadata ReplyMetadata
}

type ReplyMetadata struct {
	TokensUsed int    `json:"tokensUsed"`
	ModelUsed  string `json:"modelUsed"`
	LatencyMs  int64  `json:"latencyMs"`
}
