package directory

import (
	"fmt"
	"strings"
)

// OperationKind is the reason a request was made. It governs the retry budget.
type OperationKind string

const (
	// OperationSearch is an interactive people-picker style lookup.
	OperationSearch OperationKind = "search"

	// OperationValidate resolves an exact value that must succeed when it exists.
	OperationValidate OperationKind = "validate"

	// OperationAugment collects additional data about a known principal.
	OperationAugment OperationKind = "augment"
)

// ParseOperationKind converts a string to an OperationKind
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(s) {
	case "search", "":
		return OperationSearch, nil
	case "validate", "validation":
		return OperationValidate, nil
	case "augment", "augmentation":
		return OperationAugment, nil
	default:
		return "", fmt.Errorf("unknown operation: %s (supported: search, validate, augment)", s)
	}
}

// MaxAttempts returns the number of attempts a tenant query gets for this operation.
// Validation is a must-succeed path and tolerates one more attempt.
func (o OperationKind) MaxAttempts() int {
	if o == OperationValidate {
		return 3
	}
	return 2
}

// Request describes one resolution request.
type Request struct {
	// ID correlates log lines and metrics for this request
	ID string

	// Input is the raw, untrusted search text
	Input string

	// ExactMatch selects equality instead of prefix matching
	ExactMatch bool

	// Operation governs the retry budget
	Operation OperationKind

	// Rules is the ordered subset of the mapping table relevant to this request
	Rules []Rule
}
