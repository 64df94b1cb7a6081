// Package chat connects the bot to Twitch IRC.
//
// Bot joins every monitored channel, hands each PRIVMSG (other than its own)
// to a Handler together with the sender's roles derived from badges and the
// mod/subscriber tags, turns permanent bans into a ban sound on the overlay,
// and posts outbound messages through a rate limiter so the bot stays under
// Twitch's per-account message limits.
//
// Credentials: TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN (chat:read and
// chat:edit scopes). The "oauth:" prefix is added when missing.
package chat
