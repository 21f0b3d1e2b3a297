/*
dirty.go - Dirty-state tracking

PURPOSE:
  Tracks what the session has changed but not saved, and what currently
  fails validation. Populated on every edit entry point, consulted before
  version switches and approval, cleared only on successful save or an
  explicit discard.

OWNERSHIP:
  These maps belong to the session alone. Callers learn about dirty state
  through Dirty()/HasErrors(); they never see or touch the maps.
*/
package session

import (
	"sort"

	"github.com/igpm/css-planning/planning"
)

type dirtyState struct {
	// changed holds the edited subprojects by key; the values are what a
	// save sends.
	changed map[string]planning.Subproject

	subprojectErrors map[string]struct{}
	projectErrors    map[int64]struct{}
}

func newDirtyState() *dirtyState {
	return &dirtyState{
		changed:          make(map[string]planning.Subproject),
		subprojectErrors: make(map[string]struct{}),
		projectErrors:    make(map[int64]struct{}),
	}
}

func (d *dirtyState) markChanged(sp planning.Subproject) {
	d.changed[sp.Key()] = sp.Clone()
}

func (d *dirtyState) markSubprojectError(key string) {
	d.subprojectErrors[key] = struct{}{}
}

func (d *dirtyState) clearSubprojectError(key string) {
	delete(d.subprojectErrors, key)
}

func (d *dirtyState) markProjectError(projectID int64) {
	d.projectErrors[projectID] = struct{}{}
}

func (d *dirtyState) isDirty() bool {
	return len(d.changed) > 0
}

func (d *dirtyState) hasErrors() bool {
	return len(d.subprojectErrors) > 0 || len(d.projectErrors) > 0
}

// changedList returns the edited subprojects in ascending key order, the
// order every bulk operation walks them in.
func (d *dirtyState) changedList() []planning.Subproject {
	keys := make([]string, 0, len(d.changed))
	for key := range d.changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]planning.Subproject, 0, len(keys))
	for _, key := range keys {
		out = append(out, d.changed[key].Clone())
	}
	return out
}

func (d *dirtyState) clear() {
	d.changed = make(map[string]planning.Subproject)
	d.subprojectErrors = make(map[string]struct{})
	d.projectErrors = make(map[int64]struct{})
}
