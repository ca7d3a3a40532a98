// Package chat owns the Twitch IRC session.
//
// A Session connects the bot identity to its channels with go-twitch-irc and
// turns connect, message and whisper callbacks into bot.Event values for an
// EventHandler. It is also the outbound side: Say writes to IRC and Whisper
// goes through the Helix whispers endpoint, since Twitch no longer accepts
// whispers over IRC.
//
// Credentials come from an Auth. StaticToken serves a fixed
// TWITCH_OAUTH_TOKEN; Managed wraps an oauth.Manager so refreshed tokens are
// pushed to the live connection and a rejected login triggers one refresh
// before giving up.
package chat
