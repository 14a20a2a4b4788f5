package status

import (
	"github.com/custodia/depositd/pkg/model"
)

// Mapping translates the external status URIs a target repository
// publishes into internal deposit statuses. Vocabularies differ per
// target, so every repository configuration carries its own mapping.
// Lookup is exact-match; Default applies when no rule matches and may
// be empty, in which case the token is unmapped.
type Mapping struct {
	Default model.DepositStatus
	Rules   map[string]model.DepositStatus
}

// Lookup resolves an external status URI. The second return is false
// when neither a rule nor a default applies.
func (m Mapping) Lookup(externalURI string) (model.DepositStatus, bool) {
	if s, ok := m.Rules[externalURI]; ok {
		return s, true
	}
	if m.Default != "" {
		return m.Default, true
	}
	return "", false
}

// IsIntermediate reports whether a deposit in this status is still
// eligible for processing
func IsIntermediate(s model.DepositStatus) bool {
	return s.Intermediate()
}

// IsTerminal reports whether the status is final
func IsTerminal(s model.DepositStatus) bool {
	return s.Terminal()
}
