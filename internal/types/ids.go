package types

import (
	"github.com/google/uuid"
)

// NewRuleID generates a UUIDv7 rule identifier.
// uuid.NewV7 is monotonic within the process, so ids sort in creation order;
// the resolver relies on that for precedence among non-exact rules.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// ParseRuleID returns s in canonical lowercase form, or an error when s is
// not a UUID.
func ParseRuleID(s string) (RuleID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return RuleID(u.String()), nil
}
