package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Token
	}{
		{in: "approve_time:abc123:0", want: Token{Action: ActionApproveTime, NegotiationID: "abc123"}},
		{in: "select_alt:abc123:4", want: Token{Action: ActionSelectAlt, NegotiationID: "abc123", Index: 4}},
		{in: "suggest_alt:abc123", want: Token{Action: ActionSuggestAlt, NegotiationID: "abc123"}},
		{in: "custom_time:abc123", want: Token{Action: ActionCustomTime, NegotiationID: "abc123"}},
		{in: "manager_suggest:abc123", want: Token{Action: ActionManagerSuggest, NegotiationID: "abc123"}},
		{in: " decline:abc123 ", want: Token{Action: ActionDecline, NegotiationID: "abc123"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func TestParseActionRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"approve_time",
		"approve_time:abc",
		"approve_time:abc:-1",
		"approve_time:abc:x",
		"decline:abc:1",
		"launch:abc",
		"decline:",
		"select_alt:abc:1:2",
	} {
		_, err := ParseAction(in)
		assert.Error(t, err, in)
	}
}

func mustParse(t *testing.T, s string) Token {
	t.Helper()
	tok, err := ParseAction(s)
	require.NoError(t, err)
	return tok
}
