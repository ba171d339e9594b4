// Package report renders pipeline results from the recorded state into a
// text report and delivers it to a terminal or over email.
package report

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Failure ranks how far the pipeline got before something broke.
type Failure int

const (
	FailureNone Failure = iota
	FailureMerge
	FailureBuild
	FailureTest
)

// Data is the report input, assembled from the pipeline state.
type Data struct {
	BaseRepo      string
	BaseHead      string
	KernelRelease string
	BuildURL      string

	// Jobs and RecipeSets are the submitted lab taskspecs, sorted.
	Jobs       []string
	RecipeSets []string

	// RetCode is the tracker verdict of the test run.
	RetCode int

	// MergeLog holds the git output of a failed merge or patch
	// application; non-empty means the pipeline stopped there.
	MergeLog string
	// BuildLog holds the tail of a failed build's output.
	BuildLog string
}

// FromState maps a state document onto report data. jobid_N and
// recipesetid_N keys are collected in order.
func FromState(state map[string]any) Data {
	str := func(key string) string {
		if v, ok := state[key]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}

	d := Data{
		BaseRepo:      str("baserepo"),
		BaseHead:      str("basehead"),
		KernelRelease: str("krelease"),
		BuildURL:      str("buildurl"),
	}
	if v, ok := state["retcode"].(int); ok {
		d.RetCode = v
	}

	var keys []string
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch {
		case strings.HasPrefix(k, "jobid_"):
			d.Jobs = append(d.Jobs, str(k))
		case strings.HasPrefix(k, "recipesetid_"):
			d.RecipeSets = append(d.RecipeSets, str(k))
		}
	}
	return d
}

// Failure reports the earliest pipeline stage that failed.
func (d Data) Failure() Failure {
	switch {
	case d.MergeLog != "":
		return FailureMerge
	case d.BuildLog != "":
		return FailureBuild
	case d.RetCode != 0:
		return FailureTest
	default:
		return FailureNone
	}
}

func (d Data) repoName() string {
	return strings.TrimSuffix(path.Base(d.BaseRepo), ".git")
}

// Subject builds the one-line summary used as the mail subject.
func (d Data) Subject() string {
	status := "PASS"
	detail := "Test report"

	switch d.Failure() {
	case FailureMerge:
		status, detail = "FAIL", "Patch application failed"
	case FailureBuild:
		status, detail = "FAIL", "Build failed"
	case FailureTest:
		status = "FAIL"
	}

	krelease := ""
	if d.KernelRelease != "" {
		krelease = fmt.Sprintf(" for kernel %s (%s)", d.KernelRelease, d.repoName())
	}
	return fmt.Sprintf("%s: %s%s", status, detail, krelease)
}

// Render produces the report body.
func (d Data) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Base repo: %s\n", d.BaseRepo)
	fmt.Fprintf(&b, "Base head: %s\n", d.BaseHead)

	switch d.Failure() {
	case FailureMerge:
		b.WriteString("\nPatch application failed:\n\n")
		b.WriteString(d.MergeLog)
		if !strings.HasSuffix(d.MergeLog, "\n") {
			b.WriteString("\n")
		}
		return b.String()
	case FailureBuild:
		fmt.Fprintf(&b, "\nBuild failed:\n\n%s", d.BuildLog)
		if !strings.HasSuffix(d.BuildLog, "\n") {
			b.WriteString("\n")
		}
		return b.String()
	}

	if d.KernelRelease != "" {
		fmt.Fprintf(&b, "Kernel release: %s\n", d.KernelRelease)
	}
	if d.BuildURL != "" {
		fmt.Fprintf(&b, "Kernel package: %s\n", d.BuildURL)
	}
	if len(d.Jobs) > 0 {
		fmt.Fprintf(&b, "Jobs: %s\n", strings.Join(d.Jobs, " "))
	}
	if len(d.RecipeSets) > 0 {
		fmt.Fprintf(&b, "Recipe sets: %s\n", strings.Join(d.RecipeSets, " "))
	}

	if d.Failure() == FailureTest {
		fmt.Fprintf(&b, "\nTesting failed (result %d).\n", d.RetCode)
	} else {
		b.WriteString("\nAll tests passed.\n")
	}
	return b.String()
}

// Attachment is an extra file shipped with the report.
type Attachment struct {
	Name    string
	Content []byte
}

func textAttachment(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".txt")
}
