package beaker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var submittedRe = regexp.MustCompile(`(?m)^Submitted: \['([^']+)'\]`)

// CommandRunner abstracts the bkr CLI invocation so tests can substitute a
// canned transport. Run feeds stdin to the command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w (stderr: %s)",
			name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// JobOwner submits jobs on behalf of another Beaker user when set.
	JobOwner string

	// QueriesPerSecond rate-limits bkr invocations. Zero means unlimited.
	QueriesPerSecond float64
}

// Client wraps the bkr command line tool. Each call is one synchronous
// process invocation; retry policy belongs to the caller.
type Client struct {
	cfg     ClientConfig
	runner  CommandRunner
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client. A nil runner uses the real bkr binary and a
// nil logger discards log output.
func NewClient(cfg ClientConfig, runner CommandRunner, logger *zap.Logger) *Client {
	if runner == nil {
		runner = execRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1)
	}
	return &Client{cfg: cfg, runner: runner, limiter: limiter, logger: logger}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Submit sends job XML to the scheduler and returns the submitted job ID.
func (c *Client) Submit(ctx context.Context, jobXML string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", &SubmissionError{Err: err}
	}

	args := []string{"job-submit"}
	if c.cfg.JobOwner != "" {
		args = append(args, "--job-owner="+c.cfg.JobOwner)
	}
	args = append(args, "-")

	out, err := c.runner.Run(ctx, []byte(jobXML), "bkr", args...)
	if err != nil {
		return "", &SubmissionError{Output: string(out), Err: err}
	}

	m := submittedRe.FindSubmatch(out)
	if m == nil {
		return "", &SubmissionError{Output: string(out)}
	}
	jobID := string(m[1])
	c.logger.Info("submitted job", zap.String("job", jobID))
	return jobID, nil
}

// FetchResults retrieves the results document for a job, recipe set or
// recipe taskspec. Logs are excluded unless withLogs is set.
func (c *Client) FetchResults(ctx context.Context, taskSpec string, withLogs bool) (*etree.Document, error) {
	if err := c.wait(ctx); err != nil {
		return nil, &QueryError{TaskSpec: taskSpec, Err: err}
	}

	args := []string{"job-results"}
	if !withLogs {
		args = append(args, "--no-logs")
	}
	args = append(args, taskSpec)

	out, err := c.runner.Run(ctx, nil, "bkr", args...)
	if err != nil {
		return nil, &QueryError{TaskSpec: taskSpec, Err: err}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(out); err != nil {
		return nil, &ParsingError{TaskSpec: taskSpec, Err: err}
	}
	if doc.Root() == nil {
		return nil, &ParsingError{TaskSpec: taskSpec, Err: fmt.Errorf("empty results document")}
	}
	return doc, nil
}

// Cancel cancels a job. Best effort: failures are logged, never returned,
// since cancellation runs during cleanup paths.
func (c *Client) Cancel(ctx context.Context, jobID string) {
	if err := c.wait(ctx); err != nil {
		c.logger.Warn("cancel skipped", zap.String("job", jobID), zap.Error(err))
		return
	}
	if _, err := c.runner.Run(ctx, nil, "bkr", "job-cancel", jobID); err != nil {
		c.logger.Warn("cancel failed", zap.String("job", jobID), zap.Error(err))
		return
	}
	c.logger.Info("cancelled job", zap.String("job", jobID))
}

// ConsoleLogURL returns the console.log URL of the first recipe in a job,
// or "" when the job has no console log.
func (c *Client) ConsoleLogURL(ctx context.Context, jobID string) (string, error) {
	doc, err := c.FetchResults(ctx, jobID, true)
	if err != nil {
		return "", err
	}
	el := doc.Root().FindElement("recipeSet/recipe/logs/log[@name='console.log']")
	if el == nil {
		return "", nil
	}
	return el.SelectAttrValue("href", ""), nil
}

// WriteJUnitResults fetches junit-xml formatted results for a job and writes
// them to <dir>/<jobid>.xml with the taskspec colon lowercased, matching the
// layout downstream reporting consumes.
func (c *Client) WriteJUnitResults(ctx context.Context, jobID, dir string) error {
	if err := c.wait(ctx); err != nil {
		return &QueryError{TaskSpec: jobID, Err: err}
	}
	out, err := c.runner.Run(ctx, nil, "bkr", "job-results", "--format=junit-xml", jobID)
	if err != nil {
		return &QueryError{TaskSpec: jobID, Err: err}
	}
	name := strings.ToLower(strings.ReplaceAll(jobID, ":", "_")) + ".xml"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write junit results: %w", err)
	}
	return nil
}
