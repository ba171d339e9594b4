package beaker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLab replays canned scheduler responses. Results are queued per
// taskspec; the last document in a queue repeats for subsequent fetches.
type fakeLab struct {
	submitQueue []string
	submissions []string
	results     map[string][]string
	cancelled   []string
	submitErr   error
}

func (f *fakeLab) Submit(ctx context.Context, jobXML string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, jobXML)
	if len(f.submitQueue) == 0 {
		return "", &SubmissionError{Output: "submit queue exhausted"}
	}
	id := f.submitQueue[0]
	f.submitQueue = f.submitQueue[1:]
	return id, nil
}

func (f *fakeLab) FetchResults(ctx context.Context, taskSpec string, withLogs bool) (*etree.Document, error) {
	queue := f.results[taskSpec]
	if len(queue) == 0 {
		return nil, &QueryError{TaskSpec: taskSpec, Err: fmt.Errorf("no canned result")}
	}
	xml := queue[0]
	if len(queue) > 1 {
		f.results[taskSpec] = queue[1:]
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, &ParsingError{TaskSpec: taskSpec, Err: err}
	}
	return doc, nil
}

func (f *fakeLab) Cancel(ctx context.Context, jobID string) {
	f.cancelled = append(f.cancelled, jobID)
}

func jobDoc(jobID string, rsIDs ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<job id=%q><whiteboard>kpipe test run</whiteboard>`, jobID)
	for _, id := range rsIDs {
		fmt.Fprintf(&sb, `<recipeSet id=%q status="Queued"/>`, id)
	}
	sb.WriteString(`</job>`)
	return sb.String()
}

func rsDoc(id, status, result, host, taskResult string) string {
	return fmt.Sprintf(`
<recipeSet id=%q status=%q result=%q>
  <recipe id="%s1" system=%q status=%q result=%q>
    <hostRequires><system_type value="Machine"/></hostRequires>
    <task name="/distribution/install" status=%q result="Pass"/>
    <task name="/kernel/suite" status=%q result=%q/>
  </recipe>
</recipeSet>`, id, status, result, id, host, status, result, status, status, taskResult)
}

func newTestTracker(t *testing.T, lab Lab, mutate func(*TrackerConfig)) *Tracker {
	t.Helper()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "job.xml")
	require.NoError(t, os.WriteFile(tmpl, []byte(
		`<job><whiteboard>##UID## ##KVER##</whiteboard>##HOSTNAMETAG##<recipeSet/></job>`), 0644))

	cfg := TrackerConfig{
		TemplatePath: tmpl,
		WatchDelay:   time.Millisecond,
		Waiving:      true,
		Reschedule:   true,
		Arch:         "x86_64",
		UID:          "test-run",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewTracker(cfg, lab, nil)
}

func TestRunSubmitFailureIsFatal(t *testing.T) {
	lab := &fakeLab{submitErr: &SubmissionError{Output: "rejected"}}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	assert.Equal(t, ResultError, res)
	assert.Error(t, err)
	assert.Empty(t, tracker.Jobs())
}

func TestRunNoWaitReturnsImmediately(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results:     map[string][]string{"J:1": {jobDoc("1", "1")}},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", false)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	// Fire and forget: the recipe set stays in the watch set unpolled.
	assert.Equal(t, 1, tracker.Outstanding())
	assert.Equal(t, []string{"J:1"}, tracker.Jobs())
	assert.Equal(t, []string{"RS:1"}, tracker.JobRecipeSets("J:1"))
}

func TestRunSingleSetPasses(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {rsDoc("1", StatusCompleted, "Pass", "host1", "Pass")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Zero(t, tracker.Outstanding())
	assert.Len(t, lab.submissions, 1)
	assert.Empty(t, tracker.Failures())
	assert.Contains(t, tracker.CompletedRecipeSets(), "RS:1")
}

func TestRunSubmissionRendersTemplate(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results:     map[string][]string{"J:1": {jobDoc("1", "1")}},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.PinHost = "pinned.example.com"
	})

	_, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", false)
	require.NoError(t, err)

	require.Len(t, lab.submissions, 1)
	job := lab.submissions[0]
	assert.Contains(t, job, "test-run kernel.tar.gz")
	assert.Contains(t, job, "5.14.0")
	assert.Contains(t, job, `<hostname op="=" value="pinned.example.com"/>`)
}

func TestRunCancelledSetIsIgnored(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {rsDoc("1", StatusCancelled, "", "host1", "")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Empty(t, tracker.Failures())
	assert.Len(t, lab.submissions, 1)
}

func TestRunCompletedFailureReschedulesTwice(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1", "J:2", "J:3"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"J:2":  {jobDoc("2", "2")},
			"J:3":  {jobDoc("3", "3")},
			"RS:1": {rsDoc("1", StatusCompleted, "Fail", "host1", "Fail")},
			"RS:2": {rsDoc("2", StatusCompleted, "Pass", "host1", "Pass")},
			"RS:3": {rsDoc("3", StatusCompleted, "Pass", "host2", "Pass")},
		},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.Blacklist = []string{"bad.example.com"}
	})

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)

	// One attempt in the chain passed, so the origin recovered.
	assert.Equal(t, ResultSuccess, res)
	require.Len(t, lab.submissions, 3)

	sameHost := lab.submissions[1]
	assert.Contains(t, sameHost, `op="="`)
	assert.Contains(t, sameHost, `value="host1"`)
	assert.Contains(t, sameHost, "[RS:1] (host1)")

	anyHost := lab.submissions[2]
	assert.Contains(t, anyHost, `op="!="`)
	assert.Contains(t, anyHost, `value="bad.example.com"`)
	assert.NotContains(t, anyHost, `op="=" value="host1"`)

	failures := tracker.Failures()
	require.Contains(t, failures, "RS:1")
	rec := failures["RS:1"]
	assert.Equal(t, 3, rec.TotalAttempts)
	assert.Equal(t, []string{"host1"}, rec.Hosts)
	assert.Equal(t, []string{"Fail"}, rec.Results)
	assert.True(t, rec.Recovered)
}

func TestRunRetryChainFailsCompletely(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1", "J:2", "J:3"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"J:2":  {jobDoc("2", "2")},
			"J:3":  {jobDoc("3", "3")},
			"RS:1": {rsDoc("1", StatusCompleted, "Fail", "host1", "Fail")},
			"RS:2": {rsDoc("2", StatusCompleted, "Fail", "host1", "Fail")},
			"RS:3": {rsDoc("3", StatusCompleted, "Fail", "host2", "Fail")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultFail, res)

	// Retries are submitted once per origin: the rescheduled entries must
	// not spawn reschedules of their own.
	assert.Len(t, lab.submissions, 3)

	rec := tracker.Failures()["RS:1"]
	assert.Equal(t, 3, rec.TotalAttempts)
	assert.Equal(t, []string{"host1", "host1", "host2"}, rec.Hosts)
	assert.False(t, rec.Recovered)
}

func TestRunAbortBeyondLimitIsError(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {rsDoc("1", StatusAborted, "Warn", "host1", "Warn")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 0, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultError, res)

	// maxAborted=0: the first abort trips the limit, no reschedule happens.
	assert.Len(t, lab.submissions, 1)
	rec := tracker.Failures()["RS:1"]
	assert.True(t, rec.NonRecoverable)
	assert.Equal(t, 1, rec.AbortedCount)
}

func TestRunAbortWithinLimitReschedulesOnce(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1", "J:2"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"J:2":  {jobDoc("2", "2")},
			"RS:1": {rsDoc("1", StatusAborted, "Warn", "host1", "Warn")},
			"RS:2": {rsDoc("2", StatusCompleted, "Pass", "host2", "Pass")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)

	require.Len(t, lab.submissions, 2)
	// The single retry is steered away from the host that aborted.
	assert.Contains(t, lab.submissions[1], `op="!="`)
	assert.Contains(t, lab.submissions[1], `value="host1"`)

	rec := tracker.Failures()["RS:1"]
	assert.Equal(t, 2, rec.TotalAttempts)
	assert.Equal(t, 1, rec.AbortedCount)
	assert.True(t, rec.Recovered)
	assert.False(t, rec.NonRecoverable)
}

func TestRunWaivedFailureNeedsNoReschedule(t *testing.T) {
	xml := `
<recipeSet id="1" status="Completed" result="Fail">
  <recipe id="11" system="host1" status="Completed" result="Fail">
    <task name="/distribution/install" status="Completed" result="Pass"/>
    <task name="/kernel/flaky" status="Completed" result="Fail">
      <params><param name="CKI_WAIVED" value="true"/></params>
    </task>
  </recipe>
</recipeSet>`
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {xml},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Len(t, lab.submissions, 1)
	assert.Empty(t, tracker.Failures())
}

func TestRunSkipOnlyRecipeFails(t *testing.T) {
	xml := `
<recipeSet id="1" status="Completed" result="Warn">
  <recipe id="11" system="host1" status="Completed" result="Warn">
    <task name="/kernel/only" status="Completed" result="Skip"/>
  </recipe>
</recipeSet>`
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {xml},
		},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.Reschedule = false
	})

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultFail, res)
}

func TestRunQueryFailureBoundTreatedAsAborted(t *testing.T) {
	// RS:1 has no canned results, so every poll fails. After the bound is
	// reached the entry counts as aborted, which trips maxAborted=0.
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1": {jobDoc("1", "1")},
		},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.MaxFetchFailures = 3
		cfg.Reschedule = false
	})

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 0, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultError, res)
	assert.Zero(t, tracker.Outstanding())
}

func TestRunNonTerminalStateStaysWatched(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1": {jobDoc("1", "1")},
			"RS:1": {
				rsDoc("1", "Running", "", "host1", ""),
				rsDoc("1", StatusCompleted, "Pass", "host1", "Pass"),
			},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
}

func TestRunInterruptCancelsOutstandingJobs(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {rsDoc("1", "Running", "", "host1", "")},
		},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.WatchDelay = 50 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := tracker.Run(ctx, "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	assert.Equal(t, ResultError, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"J:1"}, lab.cancelled)
}

func TestRunWallClockCeiling(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1"},
		results: map[string][]string{
			"J:1":  {jobDoc("1", "1")},
			"RS:1": {rsDoc("1", "Running", "", "host1", "")},
		},
	}
	tracker := newTestTracker(t, lab, func(cfg *TrackerConfig) {
		cfg.WatchDelay = time.Millisecond
		cfg.MaxWatchTime = 10 * time.Millisecond
	})

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	assert.Equal(t, ResultError, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch loop exceeded")
	assert.Equal(t, []string{"J:1"}, lab.cancelled)
}

func TestRecipeSetNeverReAdded(t *testing.T) {
	lab := &fakeLab{
		submitQueue: []string{"J:1", "J:2"},
		results: map[string][]string{
			// The rescheduled job reports the same recipe set id as the
			// original; it must not re-enter the watch set.
			"J:1":  {jobDoc("1", "1")},
			"J:2":  {jobDoc("2", "1")},
			"RS:1": {rsDoc("1", StatusAborted, "Warn", "host1", "Warn")},
		},
	}
	tracker := newTestTracker(t, lab, nil)

	res, err := tracker.Run(context.Background(), "http://example.com/kernel.tar.gz", 3, "5.14.0", true)
	require.NoError(t, err)
	// The retry contributed no fresh recipe set, so the chain never
	// recovered.
	assert.Equal(t, ResultFail, res)
	assert.Empty(t, tracker.JobRecipeSets("J:2"))
	rec := tracker.Failures()["RS:1"]
	assert.Equal(t, 1, rec.TotalAttempts)
}
