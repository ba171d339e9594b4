package beaker

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is the final verdict of a tracked run.
type Result int

const (
	ResultSuccess Result = 0
	ResultFail    Result = 1
	// ResultError reports an unrecoverable run: submission failure or a
	// recipe set aborted more times than the allowed budget.
	ResultError Result = 2
	// ResultBoot is reserved for boot-stage failures.
	ResultBoot Result = 3
)

// Lab is the scheduler surface the tracker needs. *Client satisfies it.
type Lab interface {
	Submit(ctx context.Context, jobXML string) (string, error)
	FetchResults(ctx context.Context, taskSpec string, withLogs bool) (*etree.Document, error)
	Cancel(ctx context.Context, jobID string)
}

// TrackerConfig configures a Tracker. The zero value is completed by
// defaults in NewTracker.
type TrackerConfig struct {
	// TemplatePath locates the job XML template.
	TemplatePath string

	// WatchDelay is the pause between polling iterations. Default: 60s.
	WatchDelay time.Duration

	// Blacklist holds hosts excluded from rescheduled submissions,
	// in file order.
	Blacklist []string

	// Waiving enables the waiver policy for task results.
	Waiving bool

	// Reschedule enables retry submissions for failing recipe sets.
	Reschedule bool

	// Arch is substituted for ##ARCH## in the job template.
	Arch string

	// PinHost forces the initial submission onto one host.
	PinHost string

	// UID tags the submission whiteboard. A random UUID is generated
	// when empty.
	UID string

	// MaxFetchFailures bounds consecutive failed status queries for one
	// recipe set before it is treated as Aborted, so a scheduler that
	// stops answering cannot stall the loop forever. Default: 10.
	MaxFetchFailures int

	// MaxWatchTime is a wall-clock ceiling on the polling loop.
	// Zero means no ceiling.
	MaxWatchTime time.Duration
}

type watchEntry struct {
	id         string // recipe set taskspec, RS:<n>
	reschedule bool
	origin     string // root of the reschedule chain, "" if this is a root
	fetchFails int
}

type failureRecord struct {
	hosts          []string
	results        map[string]bool
	totalAttempts  int
	abortedCount   int
	nonRecoverable bool
	recovered      bool
}

// FailureSummary is the reporting view of one origin's retry chain.
type FailureSummary struct {
	Hosts          []string
	Results        []string
	TotalAttempts  int
	AbortedCount   int
	NonRecoverable bool
	Recovered      bool
}

// pendingSubmission is a reschedule decided during a polling pass and
// executed once the pass is over, so the watch set is never mutated while
// it is being iterated.
type pendingSubmission struct {
	origin   string
	jobXML   string
	attempts int
}

// Tracker owns the watch set of outstanding recipe sets for one run. It is
// single-threaded: all state is confined to the Run call.
type Tracker struct {
	cfg    TrackerConfig
	lab    Lab
	logger *zap.Logger

	watch       []*watchEntry
	seen        map[string]bool
	failures    map[string]*failureRecord
	originOrder []string
	completed   map[string]*etree.Element
	whiteboard  string

	jobs          []string
	jobRecipeSets map[string][]string
}

// NewTracker creates a Tracker talking to the given lab scheduler. A nil
// logger discards output.
func NewTracker(cfg TrackerConfig, lab Lab, logger *zap.Logger) *Tracker {
	if cfg.WatchDelay == 0 {
		cfg.WatchDelay = 60 * time.Second
	}
	if cfg.MaxFetchFailures == 0 {
		cfg.MaxFetchFailures = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:           cfg,
		lab:           lab,
		logger:        logger,
		seen:          make(map[string]bool),
		failures:      make(map[string]*failureRecord),
		completed:     make(map[string]*etree.Element),
		jobRecipeSets: make(map[string][]string),
	}
}

// Run submits a job for the published kernel artifact and, when wait is
// set, tracks it to completion. maxAborted is the number of aborted runs
// tolerated per recipe set before the run is declared unrecoverable.
func (t *Tracker) Run(ctx context.Context, artifactURL string, maxAborted int, release string, wait bool) (Result, error) {
	uid := t.cfg.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	uid += " " + path.Base(artifactURL)

	hostname, hostnameTag := "", ""
	if t.cfg.PinHost != "" {
		hostname = fmt.Sprintf("(%s) ", t.cfg.PinHost)
		hostnameTag = fmt.Sprintf(`<hostname op="=" value="%s"/>`, t.cfg.PinHost)
	}

	jobXML, err := RenderTemplateFile(t.cfg.TemplatePath, map[string]string{
		"KVER":        release,
		"KPKG_URL":    artifactURL,
		"UID":         uid,
		"ARCH":        t.cfg.Arch,
		"HOSTNAME":    hostname,
		"HOSTNAMETAG": hostnameTag,
	})
	if err != nil {
		return ResultError, err
	}

	jobID, err := t.lab.Submit(ctx, jobXML)
	if err != nil {
		return ResultError, err
	}

	if err := t.attach(ctx, jobID, t.cfg.Reschedule, ""); err != nil {
		return ResultError, err
	}

	if !wait {
		return ResultSuccess, nil
	}

	if err := t.watchLoop(ctx, maxAborted); err != nil {
		return ResultError, err
	}
	return t.verdict(), nil
}

// attach fetches a job's results document, captures the whiteboard from the
// first document seen, and adds every recipe set in the job to the watch
// set. Recipe set membership of a job never changes after this.
func (t *Tracker) attach(ctx context.Context, jobID string, reschedule bool, origin string) error {
	doc, err := t.lab.FetchResults(ctx, jobID, false)
	if err != nil {
		return err
	}
	root := doc.Root()

	if t.whiteboard == "" {
		if wb := root.FindElement("whiteboard"); wb != nil {
			t.whiteboard = strings.TrimSpace(wb.Text())
		}
	}

	t.jobs = append(t.jobs, jobID)
	for _, rs := range root.SelectElements("recipeSet") {
		id := "RS:" + rs.SelectAttrValue("id", "")
		if t.seen[id] {
			continue
		}
		t.seen[id] = true
		t.watch = append(t.watch, &watchEntry{id: id, reschedule: reschedule, origin: origin})
		t.jobRecipeSets[jobID] = append(t.jobRecipeSets[jobID], id)
		if origin != "" {
			t.ensureFailure(origin).totalAttempts++
		}
		t.logger.Info("added recipe set to watch set",
			zap.String("recipeset", id),
			zap.String("job", jobID),
			zap.String("origin", origin))
	}
	return nil
}

func (t *Tracker) watchLoop(ctx context.Context, maxAborted int) error {
	start := time.Now()
	for iteration := 0; len(t.watch) > 0; iteration++ {
		if iteration > 0 {
			select {
			case <-time.After(t.cfg.WatchDelay):
			case <-ctx.Done():
				t.cancelOutstanding()
				return ctx.Err()
			}
		}
		if t.cfg.MaxWatchTime > 0 && time.Since(start) > t.cfg.MaxWatchTime {
			t.cancelOutstanding()
			return fmt.Errorf("watch loop exceeded %s with %d recipe sets outstanding",
				t.cfg.MaxWatchTime, len(t.watch))
		}

		var keep []*watchEntry
		var pending []pendingSubmission
		for _, entry := range t.watch {
			remove, subs := t.pollEntry(ctx, entry, maxAborted)
			if !remove {
				keep = append(keep, entry)
			}
			pending = append(pending, subs...)
		}
		t.watch = keep

		for _, p := range pending {
			newJob, err := t.lab.Submit(ctx, p.jobXML)
			if err != nil {
				// A failed reschedule never aborts the run; the
				// origin keeps its recorded failure.
				t.logger.Warn("reschedule submission failed",
					zap.String("origin", p.origin), zap.Error(err))
				continue
			}
			if err := t.attach(ctx, newJob, false, p.origin); err != nil {
				t.logger.Warn("cannot attach rescheduled job",
					zap.String("job", newJob),
					zap.String("origin", p.origin),
					zap.Error(err))
			}
		}
	}
	return nil
}

// pollEntry fetches one recipe set's status and classifies the outcome.
// It reports whether the entry reached a terminal state and which
// reschedule submissions, if any, should follow.
func (t *Tracker) pollEntry(ctx context.Context, entry *watchEntry, maxAborted int) (bool, []pendingSubmission) {
	doc, err := t.lab.FetchResults(ctx, entry.id, false)
	if err != nil {
		entry.fetchFails++
		t.logger.Warn("status query failed, will retry",
			zap.String("recipeset", entry.id),
			zap.Int("consecutive", entry.fetchFails),
			zap.Error(err))
		if entry.fetchFails < t.cfg.MaxFetchFailures {
			return false, nil
		}
		// The scheduler stopped answering for this entry; treating it
		// as Aborted keeps the loop terminating.
		t.logger.Error("status query failure bound reached, treating as aborted",
			zap.String("recipeset", entry.id))
		t.recordAbort(entry, maxAborted)
		return true, nil
	}
	entry.fetchFails = 0

	root := doc.Root()
	status := root.SelectAttrValue("status", "")
	if status != StatusCompleted && status != StatusAborted && status != StatusCancelled {
		return false, nil
	}

	t.logger.Info("recipe set reached terminal state",
		zap.String("recipeset", entry.id),
		zap.String("status", status))
	t.completed[entry.id] = root

	switch status {
	case StatusCancelled:
		return true, nil
	case StatusAborted:
		if t.recordAbort(entry, maxAborted) && entry.reschedule {
			return true, t.planReschedules(root, entry, false)
		}
		return true, nil
	}

	verdict := EvaluateRecipeSet(root, t.cfg.Waiving)
	origin := entry.originOrSelf()
	if verdict.Passed {
		if entry.origin != "" {
			t.ensureFailure(origin).recovered = true
		}
		return true, nil
	}

	rec := t.ensureFailure(origin)
	rec.hosts = append(rec.hosts, verdict.FailingHosts()...)
	if result := root.SelectAttrValue("result", ""); result != "" {
		rec.results[result] = true
	}

	if entry.reschedule {
		return true, t.planReschedules(root, entry, true)
	}
	return true, nil
}

// recordAbort counts an aborted run against the origin's budget and reports
// whether rescheduling is still allowed for it.
func (t *Tracker) recordAbort(entry *watchEntry, maxAborted int) bool {
	origin := entry.originOrSelf()
	rec := t.ensureFailure(origin)
	rec.abortedCount++
	if rec.abortedCount > maxAborted {
		rec.nonRecoverable = true
		t.logger.Error("aborted count exceeded, giving up on recipe set",
			zap.String("origin", origin),
			zap.Int("aborted", rec.abortedCount),
			zap.Int("max", maxAborted))
		return false
	}
	t.logger.Warn("recipe set aborted",
		zap.String("recipeset", entry.id),
		zap.String("origin", origin),
		zap.Int("aborted", rec.abortedCount),
		zap.Int("max", maxAborted))
	return true
}

// planReschedules builds the retry submissions for a terminal recipe set.
// A completed failure gets two attempts: one pinned to the failing host to
// rule out a flaky machine, one free to land anywhere else to rule out a
// real regression. An aborted set gets a single attempt steered away from
// the host that aborted.
func (t *Tracker) planReschedules(root *etree.Element, entry *watchEntry, completedFail bool) []pendingSubmission {
	origin := entry.originOrSelf()
	recipes := failingRecipes(root, t.cfg.Waiving)
	if len(recipes) == 0 {
		return nil
	}

	var subs []pendingSubmission
	if completedFail {
		subs = append(subs,
			pendingSubmission{origin: origin, jobXML: t.rescheduleJobXML(entry.id, recipes, true, nil)},
			pendingSubmission{origin: origin, jobXML: t.rescheduleJobXML(entry.id, recipes, false, nil)},
		)
	} else {
		var abortedHosts []string
		for _, r := range recipes {
			if host := r.SelectAttrValue("system", ""); host != "" {
				abortedHosts = append(abortedHosts, host)
			}
		}
		subs = append(subs,
			pendingSubmission{origin: origin, jobXML: t.rescheduleJobXML(entry.id, recipes, false, abortedHosts)},
		)
	}
	return subs
}

// failingRecipes selects the recipes worth resubmitting: the failed ones
// for a completed set, every recipe for an aborted one.
func failingRecipes(root *etree.Element, waiving bool) []*etree.Element {
	all := root.FindElements(".//recipe")
	if root.SelectAttrValue("status", "") != StatusCompleted {
		return all
	}
	var failed []*etree.Element
	for _, recipe := range all {
		if !evaluateRecipe(recipe, waiving).Passed {
			failed = append(failed, recipe)
		}
	}
	return failed
}

// rescheduleJobXML wraps copies of the given recipes into a fresh job
// document tagged with the original whiteboard and the recipe set it is a
// resubmission of.
func (t *Tracker) rescheduleJobXML(rsID string, recipes []*etree.Element, sameHost bool, extraExcludes []string) string {
	doc := etree.NewDocument()
	job := doc.CreateElement("job")

	wbText := fmt.Sprintf("%s [%s]", t.whiteboard, rsID)
	if sameHost && len(recipes) > 0 {
		wbText += fmt.Sprintf(" (%s)", recipes[0].SelectAttrValue("system", ""))
	}
	job.CreateElement("whiteboard").SetText(wbText)

	for _, recipe := range recipes {
		rcopy := recipe.Copy()
		hreq := rcopy.FindElement("hostRequires")
		if hreq == nil {
			hreq = rcopy.CreateElement("hostRequires")
		}
		if sameHost {
			pin := hreq.CreateElement("hostname")
			pin.CreateAttr("op", "=")
			pin.CreateAttr("value", recipe.SelectAttrValue("system", ""))
		} else {
			excludes := append(append([]string{}, t.cfg.Blacklist...), extraExcludes...)
			ApplyBlacklist(hreq, excludes)
		}
		rs := job.CreateElement("recipeSet")
		rs.AddChild(rcopy)
	}

	out, err := doc.WriteToString()
	if err != nil {
		// An in-memory document with no custom tokens cannot fail to
		// serialize; keep the signature simple.
		t.logger.Error("serialize reschedule job", zap.Error(err))
		return ""
	}
	return out
}

func (t *Tracker) ensureFailure(origin string) *failureRecord {
	rec, ok := t.failures[origin]
	if !ok {
		rec = &failureRecord{results: make(map[string]bool), totalAttempts: 1}
		t.failures[origin] = rec
		t.originOrder = append(t.originOrder, origin)
	}
	return rec
}

// verdict folds the per-origin failure records into the run result. An
// origin whose retry chain produced at least one pass is recovered; an
// origin past the aborted budget forces ERROR; any other unrecovered origin
// forces FAIL.
func (t *Tracker) verdict() Result {
	res := ResultSuccess
	for _, origin := range t.originOrder {
		rec := t.failures[origin]
		switch {
		case rec.nonRecoverable:
			res = ResultError
		case !rec.recovered && res == ResultSuccess:
			res = ResultFail
		}
		t.logger.Info("origin summary",
			zap.String("origin", origin),
			zap.Strings("failed_hosts", rec.hosts),
			zap.Int("attempts", rec.totalAttempts),
			zap.Int("aborted", rec.abortedCount),
			zap.Bool("recovered", rec.recovered),
			zap.Bool("non_recoverable", rec.nonRecoverable))
	}
	return res
}

// cancelOutstanding cancels every job that still has a recipe set in the
// watch set. Cleanup runs on its own context so an interrupt that killed
// the loop cannot also kill the cancellations.
func (t *Tracker) cancelOutstanding() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outstanding := make(map[string]bool, len(t.watch))
	for _, entry := range t.watch {
		outstanding[entry.id] = true
	}
	for _, jobID := range t.jobs {
		for _, rsID := range t.jobRecipeSets[jobID] {
			if outstanding[rsID] {
				t.lab.Cancel(ctx, jobID)
				break
			}
		}
	}
}

func (e *watchEntry) originOrSelf() string {
	if e.origin != "" {
		return e.origin
	}
	return e.id
}

// Jobs lists every job submitted during the run, in submission order.
func (t *Tracker) Jobs() []string {
	return append([]string(nil), t.jobs...)
}

// JobRecipeSets returns the recipe sets attached for one job.
func (t *Tracker) JobRecipeSets(jobID string) []string {
	return append([]string(nil), t.jobRecipeSets[jobID]...)
}

// Outstanding reports how many recipe sets are still being watched.
func (t *Tracker) Outstanding() int { return len(t.watch) }

// Failures exposes the per-origin failure detail for reporting.
func (t *Tracker) Failures() map[string]FailureSummary {
	out := make(map[string]FailureSummary, len(t.failures))
	for origin, rec := range t.failures {
		results := make([]string, 0, len(rec.results))
		for r := range rec.results {
			results = append(results, r)
		}
		sort.Strings(results)
		out[origin] = FailureSummary{
			Hosts:          append([]string(nil), rec.hosts...),
			Results:        results,
			TotalAttempts:  rec.totalAttempts,
			AbortedCount:   rec.abortedCount,
			NonRecoverable: rec.nonRecoverable,
			Recovered:      rec.recovered,
		}
	}
	return out
}

// CompletedRecipeSets returns the retained terminal snapshots keyed by
// recipe set taskspec.
func (t *Tracker) CompletedRecipeSets() map[string]*etree.Element {
	out := make(map[string]*etree.Element, len(t.completed))
	for id, el := range t.completed {
		out[id] = el
	}
	return out
}
