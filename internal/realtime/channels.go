// Package realtime fans events out to websocket clients across instances.
//
// Publishers call Broadcaster.Trigger, which writes an Envelope to a Redis
// pub/sub channel. Every instance runs a Relay that pattern-subscribes to
// those channels and hands envelopes to its local Hub, which delivers them
// to the sockets subscribed to the named channel.
package realtime

import "strings"

const (
	userChannelPrefix         = "private-user-"
	conversationChannelPrefix = "private-conversation-"

	// BroadcastChannel reaches every authenticated client that subscribed.
	BroadcastChannel = "private-broadcast"
)

type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelUser
	ChannelConversation
	ChannelBroadcast
)

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

func ConversationChannel(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

// ParseChannel splits a channel name into its kind and the id it scopes.
func ParseChannel(name string) (ChannelKind, string) {
	switch {
	case name == BroadcastChannel:
		return ChannelBroadcast, ""
	case strings.HasPrefix(name, userChannelPrefix):
		if id := strings.TrimPrefix(name, userChannelPrefix); id != "" {
			return ChannelUser, id
		}
	case strings.HasPrefix(name, conversationChannelPrefix):
		if id := strings.TrimPrefix(name, conversationChannelPrefix); id != "" {
			return ChannelConversation, id
		}
	}
	return ChannelUnknown, ""
}
