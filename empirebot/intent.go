package empirebot

import (
	"fmt"
	"strings"
)

// Intent is the classification of an inbound channel message. Exactly one
// intent applies to any message; the rules in classifyMessage are evaluated
// in strict priority order with no fallthrough once matched.
type Intent int

const (
	// IntentIgnored means the message produces no reply at all
	IntentIgnored Intent = iota

	// IntentRelayBridge means the message was posted by an automation
	// account into the guild's configured relay channel, and may contain
	// a relayed speaker's message addressed at the bot
	IntentRelayBridge

	// IntentPrefixCommand means the message starts with the command prefix
	IntentPrefixCommand

	// IntentFreeTextAutoReply means the message was posted in an
	// AI-enabled channel and is answered as-is, without any prefix
	IntentFreeTextAutoReply
)

func (i Intent) String() string {
	switch i {
	case IntentIgnored:
		return "ignored"
	case IntentRelayBridge:
		return "relay_bridge"
	case IntentPrefixCommand:
		return "prefix_command"
	case IntentFreeTextAutoReply:
		return "free_text_auto_reply"
	default:
		return fmt.Sprintf("unknown(%d)", int(i))
	}
}

// InboundMessage is the classifier's view of a received message. It's
// constructed once per gateway event and never mutated.
type InboundMessage struct {
	// FromAutomation is true when the author is a bot or webhook account
	FromAutomation bool

	// GuildID is empty for direct messages
	GuildID string

	ChannelID string
	AuthorID  string
	Content   string
}

// ClassifierSnapshot is the configuration state a single classification
// pass runs against. It's captured once per message so that concurrent
// preference writes can't change the outcome mid-decision.
type ClassifierSnapshot struct {
	// Prefix is the command prefix (ex: ">")
	Prefix string

	// RelayChannelID is the guild's configured relay channel, empty if unset
	RelayChannelID string

	// GlobalAIChannels are AI-enabled channel IDs from configuration
	GlobalAIChannels []string

	// GuildAIChannels are AI-enabled channel IDs stored for the guild
	GuildAIChannels []string
}

// ClassifiedMessage pairs the decided Intent with the command line for
// the prefix-command path (the text after the prefix, trimmed).
type ClassifiedMessage struct {
	Intent      Intent
	CommandLine string
}

// classifyMessage decides what to do with an inbound message. Rules, first
// match wins:
//
//  1. Automation author, in the guild's configured relay channel: relay
//     bridge candidate. This is checked before the generic automation
//     skip so bridged traffic stays inspectable even though it comes
//     from a bot account.
//  2. Any other automation author: ignored (prevents echo loops).
//  3. Content starts with the command prefix: prefix command.
//  4. Channel is AI-enabled (globally or for the guild): free-text reply.
//  5. Otherwise: ignored.
//
// The function is pure - same message and snapshot, same result.
func classifyMessage(m InboundMessage, snap ClassifierSnapshot) ClassifiedMessage {
	m.Content = strings.TrimSpace(m.Content)

	if m.FromAutomation && m.GuildID != "" &&
		snap.RelayChannelID != "" && snap.RelayChannelID == m.ChannelID {
		return ClassifiedMessage{Intent: IntentRelayBridge}
	}

	if m.FromAutomation {
		return ClassifiedMessage{Intent: IntentIgnored}
	}

	if snap.Prefix != "" && strings.HasPrefix(m.Content, snap.Prefix) {
		return ClassifiedMessage{
			Intent:      IntentPrefixCommand,
			CommandLine: strings.TrimSpace(strings.TrimPrefix(m.Content, snap.Prefix)),
		}
	}

	for _, channelID := range snap.GlobalAIChannels {
		if channelID == m.ChannelID {
			return ClassifiedMessage{Intent: IntentFreeTextAutoReply}
		}
	}
	for _, channelID := range snap.GuildAIChannels {
		if channelID == m.ChannelID {
			return ClassifiedMessage{Intent: IntentFreeTextAutoReply}
		}
	}

	return ClassifiedMessage{Intent: IntentIgnored}
}
