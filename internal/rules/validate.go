// internal/rules/validate.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/redirector/internal/types"
)

// ValidateRule normalizes draft into a Rule ready for persistence and
// proves it compiles. The returned Rule carries its fingerprint but no id
// or timestamps; the caller assigns those when it stores the rule.
func ValidateRule(draft types.RuleDraft, opts Options) (*types.Rule, error) {
	if len(draft.Sources) == 0 {
		return nil, types.NewValidationError("sources", types.ErrNoSources, "")
	}

	sources := make([]types.SourcePattern, len(draft.Sources))
	for i, src := range draft.Sources {
		if src.Type != "" && !src.Type.Valid() {
			return nil, types.NewSourceError(i, types.ErrInvalidPatternType, fmt.Sprintf("%q", src.Type))
		}
		sources[i] = NormalizeSource(src)
		if sources[i].Value == "" {
			return nil, types.NewSourceError(i, types.ErrEmptySourceValue, "")
		}
	}

	status := draft.StatusCode
	if status == 0 {
		status = types.StatusMovedPermanently
	}
	dest := strings.TrimSpace(draft.Destination)
	if status.Terminal() {
		dest = ""
	}

	active := true
	if draft.Active != nil {
		active = *draft.Active
	}

	rule := &types.Rule{
		Sources:     sources,
		Destination: dest,
		StatusCode:  status,
		Active:      active,
		Description: strings.TrimSpace(draft.Description),
	}

	if _, err := CompileRule(rule, opts); err != nil {
		return nil, err
	}

	rule.Fingerprint = Fingerprint(sources, dest, status)
	return rule, nil
}
