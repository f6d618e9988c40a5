package empirebot

import (
	"regexp"
	"strings"
	"unicode"
)

// RelayedChat is a (speaker, message) pair extracted from a line the relay
// bridge posted on a player's behalf. It only exists when one of the
// relay patterns matched - callers get nil for unparseable lines, never
// empty-string fields.
type RelayedChat struct {
	SpeakerName    string `json:"speaker_name"`
	SpeakerMessage string `json:"speaker_message"`
}

// relayPatterns are the known DiscordSRV chat formats, most specific
// first. Order is load-bearing: the anchored "[Member]" forms must win
// over the generic separator forms, and several of the generic forms
// overlap (`»`, `>`, `:`), so a match is taken from the first pattern
// that structurally fits. Do not reorder.
var relayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\[Member\]\s+(.+?)\s+»\s+(.+)$`),
	regexp.MustCompile(`(?i)^\[Member\]\s+(.+?)\s+>\s+(.+)$`),
	regexp.MustCompile(`(?i)^\[Member\]\s+(.+?)\s*:\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s+»\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s+>\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s*:\s+(.+)$`),
}

// parseRelayedChat tries each relay pattern in order and returns the
// first match, with both captures trimmed of surrounding whitespace.
// Returns nil when no pattern matches.
func parseRelayedChat(line string) *RelayedChat {
	for _, pattern := range relayPatterns {
		match := pattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		return &RelayedChat{
			SpeakerName:    strings.TrimSpace(match[1]),
			SpeakerMessage: strings.TrimSpace(match[2]),
		}
	}
	return nil
}

// extractTriggeredPrompt checks whether a relayed speaker's message is
// addressed at the bot: the message must open with one of the trigger
// words (case-insensitive) followed by at least one whitespace character.
// The returned prompt is the remainder with the trigger word and the
// whitespace run after it stripped - internal spacing and casing of the
// rest of the message are preserved. The second return value is false
// when the message isn't a trigger, in which case the bridge message is
// dropped entirely.
func extractTriggeredPrompt(message string, triggerWords []string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	lowered := strings.ToLower(trimmed)

	for _, word := range triggerWords {
		word = strings.ToLower(word)
		if !strings.HasPrefix(lowered, word) {
			continue
		}
		rest := trimmed[len(word):]
		if rest == "" {
			continue
		}
		r := []rune(rest)[0]
		if !unicode.IsSpace(r) {
			continue
		}
		prompt := strings.TrimSpace(rest)
		if prompt == "" {
			continue
		}
		return prompt, true
	}
	return "", false
}

// RelayedMessage records a bridged chat line the bot answered, for
// auditing relay traffic separately from direct Discord users.
type RelayedMessage struct {
	ModelUintID
	ModelUnixTime

	GuildID        string `json:"guild_id" gorm:"index"`
	ChannelID      string `json:"channel_id"`
	SpeakerName    string `json:"speaker_name"`
	SpeakerMessage string `json:"speaker_message"`
	Prompt         string `json:"prompt"`
}
