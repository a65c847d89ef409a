package negotiation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is an approver decision carried in a callback token.
type Action string

const (
	ActionApproveTime    Action = "approve_time"
	ActionSuggestAlt     Action = "suggest_alt"
	ActionSelectAlt      Action = "select_alt"
	ActionCustomTime     Action = "custom_time"
	ActionManagerSuggest Action = "manager_suggest"
	ActionDecline        Action = "decline"
)

var errMalformed = errors.New("malformed action token")

// Token is a parsed "action:negotiation_id[:index]" string.
type Token struct {
	Action        Action
	NegotiationID string
	Index         int
}

func (a Action) indexed() bool {
	return a == ActionApproveTime || a == ActionSelectAlt
}

func (a Action) known() bool {
	switch a {
	case ActionApproveTime, ActionSuggestAlt, ActionSelectAlt, ActionCustomTime, ActionManagerSuggest, ActionDecline:
		return true
	}
	return false
}

// String encodes the token.
func (t Token) String() string {
	if t.Action.indexed() {
		return fmt.Sprintf("%s:%s:%d", t.Action, t.NegotiationID, t.Index)
	}
	return fmt.Sprintf("%s:%s", t.Action, t.NegotiationID)
}

// ParseAction decodes a token, rejecting unknown actions and missing or stray indexes.
func ParseAction(s string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Token{}, errMalformed
	}
	tok := Token{Action: Action(parts[0]), NegotiationID: parts[1]}
	if !tok.Action.known() {
		return Token{}, fmt.Errorf("%w: unknown action %q", errMalformed, parts[0])
	}
	if tok.NegotiationID == "" {
		return Token{}, fmt.Errorf("%w: empty id", errMalformed)
	}

	switch {
	case tok.Action.indexed() && len(parts) == 3:
		idx, err := strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return Token{}, fmt.Errorf("%w: bad index %q", errMalformed, parts[2])
		}
		tok.Index = idx
	case tok.Action.indexed(), len(parts) == 3:
		return Token{}, fmt.Errorf("%w: index mismatch for %s", errMalformed, tok.Action)
	}
	return tok, nil
}
