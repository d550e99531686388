package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedSender(t *testing.T) {
	rules := NewRules(
		[]string{"Boss@Example.com", "@corp.cn"},
		[]string{"SEC: 日记"},
	)

	assert.True(t, rules.AllowedSender("boss@example.com"))
	assert.True(t, rules.AllowedSender("BOSS@EXAMPLE.COM"))
	assert.True(t, rules.AllowedSender("anyone@corp.cn"))
	assert.False(t, rules.AllowedSender("boss@other.com"))
	assert.False(t, rules.AllowedSender("corp.cn"))
	assert.False(t, rules.AllowedSender(""))
}

func TestEmptySenderListFailsClosed(t *testing.T) {
	rules := NewRules(nil, []string{"SEC: 日记"})

	assert.False(t, rules.AllowedSender("boss@example.com"))
	assert.False(t, rules.Accept("boss@example.com", "SEC: 日记"))
}

func TestAcceptRequiresBothPredicates(t *testing.T) {
	rules := NewRules(
		[]string{"boss@example.com"},
		[]string{"SEC: 日记", "SEC: 周报"},
	)

	assert.True(t, rules.Accept("boss@example.com", "SEC: 日记"))
	assert.True(t, rules.Accept("boss@example.com", "Re: SEC: 周报"))
	assert.True(t, rules.Accept("boss@example.com", "SEC: 日记 2025-08-31"))

	// Wrong sender, right subject.
	assert.False(t, rules.Accept("spam@example.org", "SEC: 日记"))
	// Right sender, wrong subject.
	assert.False(t, rules.Accept("boss@example.com", "lunch plans"))
	// Prefix must be a prefix, not a substring.
	assert.False(t, rules.Accept("boss@example.com", "about SEC: 日记"))
}

func TestStripReplyPrefixes(t *testing.T) {
	cases := map[string]string{
		"SEC: 日记":             "SEC: 日记",
		"Re: SEC: 日记":         "SEC: 日记",
		"Re: Re: SEC: 日记":     "SEC: 日记",
		"FWD: re: SEC: 周报":    "SEC: 周报",
		"  Fw: SEC: 周报  ":     "SEC: 周报",
		"regarding the thing": "regarding the thing",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripReplyPrefixes(in), "input %q", in)
	}
}

func TestStripReplyPrefixesIdempotent(t *testing.T) {
	once := StripReplyPrefixes("Re: Re: SEC: 日记")
	twice := StripReplyPrefixes(once)
	assert.Equal(t, once, twice)
}

func TestMatchPrefixPicksLongest(t *testing.T) {
	rules := NewRules(
		[]string{"boss@example.com"},
		[]string{"SEC:", "SEC: 日记"},
	)

	prefix, ok := rules.MatchPrefix("SEC: 日记 2025-08-31")
	assert.True(t, ok)
	assert.Equal(t, "SEC: 日记", prefix)
}
