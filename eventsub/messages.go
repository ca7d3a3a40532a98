package eventsub

import (
	"encoding/json"
	"time"

	"github.com/perjugatar/perjubot/bot"
)

// Message types sent by the EventSub websocket server.
const (
	typeWelcome      = "session_welcome"
	typeKeepalive    = "session_keepalive"
	typeNotification = "notification"
	typeReconnect    = "session_reconnect"
	typeRevocation   = "revocation"
)

// RedemptionAdd is the channel point redemption subscription type.
const RedemptionAdd = "channel.channel_points_custom_reward_redemption.add"

type envelope struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type subscriptionInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type notificationPayload struct {
	Subscription subscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

type revocationPayload struct {
	Subscription subscriptionInfo `json:"subscription"`
}

type redemptionEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	UserInput            string    `json:"user_input"`
	Status               string    `json:"status"`
	RedeemedAt           time.Time `json:"redeemed_at"`
	Reward               struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
}

func (e redemptionEvent) toRedemption() bot.Redemption {
	user := e.UserName
	if user == "" {
		user = e.UserLogin
	}
	return bot.Redemption{
		ID:          e.ID,
		Broadcaster: e.BroadcasterUserLogin,
		User:        user,
		UserID:      e.UserID,
		RewardID:    e.Reward.ID,
		RewardTitle: e.Reward.Title,
		RewardCost:  e.Reward.Cost,
		Input:       e.UserInput,
		RedeemedAt:  e.RedeemedAt,
	}
}
