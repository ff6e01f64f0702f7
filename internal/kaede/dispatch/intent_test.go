package dispatch

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Classification
	}{
		{"plain question", "how do I rotate the API key?", Classification{Kind: IntentChat}},
		{"help", "help", Classification{Kind: IntentHelp}},
		{"help with punctuation", "Help!", Classification{Kind: IntentHelp}},
		{"stats", "stats", Classification{Kind: IntentStats}},
		{"usage alias", "usage", Classification{Kind: IntentStats}},
		{"reset", "reset", Classification{Kind: IntentReset}},
		{"clear alias", "Clear", Classification{Kind: IntentReset}},
		{
			"thread permalink",
			"analyze https://matrix.to/#/!support:example.org/$abc123",
			Classification{Kind: IntentAnalyzeThread, TargetRoom: "!support:example.org", TargetThread: "$abc123"},
		},
		{
			"thread permalink without verb",
			"what happened in https://matrix.to/#/!support:example.org/$abc123",
			Classification{Kind: IntentAnalyzeThread, TargetRoom: "!support:example.org", TargetThread: "$abc123"},
		},
		{
			"room permalink with verb",
			"summarize https://matrix.to/#/!support:example.org",
			Classification{Kind: IntentAnalyzeChannel, TargetRoom: "!support:example.org"},
		},
		{
			"room permalink without verb",
			"is https://matrix.to/#/!support:example.org the right place to ask?",
			Classification{Kind: IntentChat},
		},
		{"bare verb targets current thread", "summarise this please", Classification{Kind: IntentAnalyzeThread}},
		{"verb plus channel word", "recap this channel", Classification{Kind: IntentAnalyzeChannel}},
		{"british spelling", "analyse the discussion", Classification{Kind: IntentAnalyzeThread}},
		{"verb mid-sentence is chat", "can you maybe review my config?", Classification{Kind: IntentChat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}
