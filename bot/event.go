package bot

import "time"

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventWhisper
	EventRedemption
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventWhisper:
		return "whisper"
	case EventRedemption:
		return "redemption"
	default:
		return "unknown"
	}
}

// InboundMessage is one chat message or whisper.
// For whispers Target is empty; replies go to Speaker.
type InboundMessage struct {
	ID        string
	Target    string
	Speaker   string
	SpeakerID string
	Text      string
	Self      bool
}

// OutboundReply is what the router sends back.
type OutboundReply struct {
	Target string
	Text   string
}

// Redemption is a channel point reward redemption.
type Redemption struct {
	ID          string    `json:"id"`
	Broadcaster string    `json:"broadcaster"`
	User        string    `json:"user"`
	UserID      string    `json:"user_id"`
	RewardID    string    `json:"reward_id"`
	RewardTitle string    `json:"reward_title"`
	RewardCost  int       `json:"reward_cost"`
	Input       string    `json:"input,omitempty"`
	RedeemedAt  time.Time `json:"redeemed_at"`
}

// Event is the single typed envelope fed to Router.HandleEvent. Exactly one
// payload field is set, matching Kind. Connected events carry only Addr.
type Event struct {
	Kind       EventKind
	Addr       string
	Message    *InboundMessage
	Redemption *Redemption
}

// ConnectedEvent builds an EventConnected.
func ConnectedEvent(addr string) Event { return Event{Kind: EventConnected, Addr: addr} }

// MessageEvent builds an EventMessage.
func MessageEvent(m InboundMessage) Event { return Event{Kind: EventMessage, Message: &m} }

// WhisperEvent builds an EventWhisper.
func WhisperEvent(m InboundMessage) Event { return Event{Kind: EventWhisper, Message: &m} }

// RedemptionEvent builds an EventRedemption.
func RedemptionEvent(r Redemption) Event { return Event{Kind: EventRedemption, Redemption: &r} }
