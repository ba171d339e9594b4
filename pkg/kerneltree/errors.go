package kerneltree

import "fmt"

// PatchApplicationError reports a patch that git could not apply. The git
// output is also written to the merge log for reporting.
type PatchApplicationError struct {
	Patch  string
	Output string
}

func (e *PatchApplicationError) Error() string {
	return fmt.Sprintf("failed to apply patch %s", e.Patch)
}

// MergeConflictError reports a git ref merge that did not apply cleanly. The
// tree is reset back to its pre-merge state before this is returned.
type MergeConflictError struct {
	URI string
	Ref string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("failed to merge %q from %s", e.Ref, e.URI)
}
