package planning

import "fmt"

// AccessRights is the editability decision derived from a subproject's or
// project's IFRS version indicator.
type AccessRights struct {
	Writable bool
}

// AccessFor maps a lifecycle/version indicator to an access decision.
// Indicators 1-4 are the write window, 5-8 the closed/read-only window.
// Anything else is a hard error, never a silent default.
//
// Gates subproject field editability, approval availability, and the
// eligibility for project-to-subproject overwrites.
func AccessFor(ifrsVersionID int) (AccessRights, error) {
	switch {
	case ifrsVersionID >= 1 && ifrsVersionID <= 4:
		return AccessRights{Writable: true}, nil
	case ifrsVersionID >= 5 && ifrsVersionID <= 8:
		return AccessRights{}, nil
	default:
		return AccessRights{}, fmt.Errorf("%w: got %d", ErrVersionOutOfRange, ifrsVersionID)
	}
}

// IsWritable is the common yes/no form of AccessFor. Out-of-range indicators
// report as not writable here; callers that must distinguish the error case
// use AccessFor directly.
func IsWritable(ifrsVersionID int) bool {
	rights, err := AccessFor(ifrsVersionID)
	return err == nil && rights.Writable
}
