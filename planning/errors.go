package planning

import "errors"

// Sentinel errors of the planning model. Service-boundary errors live in the
// services package; these cover violations of the model's own rules.
var (
	// ErrVersionOutOfRange is returned for a lifecycle/version indicator
	// outside [1,8]. The indicator is a fixed enumeration; anything else is
	// corrupt input and must not silently default to read-only or writable.
	ErrVersionOutOfRange = errors.New("ifrs version indicator out of range [1,8]")

	// ErrSubprojectNotFound is returned when a merge targets a subproject
	// identity the project does not contain.
	ErrSubprojectNotFound = errors.New("subproject not found in project")
)
