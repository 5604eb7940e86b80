package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasMention(t *testing.T) {
	tests := []struct {
		name string
		text string
		who  string
		want bool
	}{
		{"exact word", "Bob, what do you think?", "Bob", true},
		{"case insensitive", "hey BOB", "bob", true},
		{"substring only", "The Swordsman attacks", "Sword", false},
		{"prefix only", "Bobby is here", "Bob", false},
		{"multi word name", "ask Sir Lancelot about it", "Sir Lancelot", true},
		{"regex metachars", "ping R2.D2 now", "R2.D2", true},
		{"metachar not wildcard", "ping R2xD2 now", "R2.D2", false},
		{"unbalanced paren", "hello (Bob", "(Bob", false},
		{"bracket name", "[Bob] said", "[Bob]", false},
		{"empty name", "anything", "", false},
		{"empty text", "", "Bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() { HasMention(tt.text, tt.who) })
			assert.Equal(t, tt.want, HasMention(tt.text, tt.who))
		})
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("Let's talk about swords, blacksmith!")
	assert.Equal(t, []string{"swords", "blacksmith"}, got)
	assert.Empty(t, Keywords("short words only here"))
}

func TestHasKeywordOverlap(t *testing.T) {
	profile := "A gruff blacksmith who forges SWORDS for the king."
	assert.True(t, HasKeywordOverlap("Let's talk about swords", profile))
	assert.True(t, HasKeywordOverlap("Any BLACKSMITH nearby?", profile))
	assert.False(t, HasKeywordOverlap("talk about swordz", profile))
	assert.False(t, HasKeywordOverlap("forge king sword", profile), "tokens of five characters or fewer are ignored")
	assert.False(t, HasKeywordOverlap("Let's talk about swords", ""))
}
