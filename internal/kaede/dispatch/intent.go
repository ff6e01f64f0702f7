package dispatch

import (
	"regexp"
	"strings"
)

// IntentKind is the routing decision for one inbound message.
type IntentKind int

const (
	IntentChat IntentKind = iota
	IntentHelp
	IntentStats
	IntentReset
	IntentAnalyzeThread
	IntentAnalyzeChannel
)

// Classification is the outcome of classifying one message. For analysis
// intents, TargetRoom and TargetThread name the scope when the message
// linked one explicitly; empty targets mean the current conversation.
type Classification struct {
	Kind         IntentKind
	TargetRoom   string
	TargetThread string
}

// permalinkPattern matches matrix.to links. The first group is the room,
// the optional second group pins a specific event, which roots a thread.
var permalinkPattern = regexp.MustCompile(`https://matrix\.to/#/([!#][^/\s?]+)(?:/(\$[^/\s?]+))?`)

// analyzeKeywords are the verbs that open an analysis request. Spelling
// variants are listed rather than stemmed; classification must stay
// deterministic.
var analyzeKeywords = []string{
	"analyze", "analyse", "summarize", "summarise",
	"explain", "recap", "review", "overview",
}

// Classify maps message text to an intent without calling any model.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch strings.TrimRight(lower, "!.?") {
	case "help", "commands":
		return Classification{Kind: IntentHelp}
	case "stats", "usage":
		return Classification{Kind: IntentStats}
	case "reset", "clear":
		return Classification{Kind: IntentReset}
	}

	hasKeyword := false
	for _, kw := range analyzeKeywords {
		if strings.HasPrefix(lower, kw) {
			hasKeyword = true
			break
		}
	}

	if m := permalinkPattern.FindStringSubmatch(trimmed); m != nil {
		if m[2] != "" {
			return Classification{Kind: IntentAnalyzeThread, TargetRoom: m[1], TargetThread: m[2]}
		}
		if hasKeyword {
			return Classification{Kind: IntentAnalyzeChannel, TargetRoom: m[1]}
		}
		// A bare room link with no analysis verb is just chat.
		return Classification{Kind: IntentChat}
	}

	if hasKeyword {
		if strings.Contains(lower, "channel") || strings.Contains(lower, "room") {
			return Classification{Kind: IntentAnalyzeChannel}
		}
		return Classification{Kind: IntentAnalyzeThread}
	}

	return Classification{Kind: IntentChat}
}
