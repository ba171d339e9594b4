package beaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerCall struct {
	stdin []byte
	name  string
	args  []string
}

// scriptedRunner replays canned outputs for successive bkr invocations.
type scriptedRunner struct {
	calls   []runnerCall
	outputs [][]byte
	errs    []error
}

func (r *scriptedRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	i := len(r.calls)
	r.calls = append(r.calls, runnerCall{stdin: stdin, name: name, args: args})
	var out []byte
	var err error
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return out, err
}

func TestClientSubmit(t *testing.T) {
	t.Run("parses job id", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{[]byte("Submitted: ['J:123456']\n")}}
		client := NewClient(ClientConfig{}, runner, nil)

		jobID, err := client.Submit(context.Background(), "<job/>")
		require.NoError(t, err)
		assert.Equal(t, "J:123456", jobID)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, "bkr", runner.calls[0].name)
		assert.Equal(t, []string{"job-submit", "-"}, runner.calls[0].args)
		assert.Equal(t, []byte("<job/>"), runner.calls[0].stdin)
	})

	t.Run("passes job owner", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{[]byte("Submitted: ['J:1']\n")}}
		client := NewClient(ClientConfig{JobOwner: "jenkins"}, runner, nil)

		_, err := client.Submit(context.Background(), "<job/>")
		require.NoError(t, err)
		assert.Equal(t, []string{"job-submit", "--job-owner=jenkins", "-"}, runner.calls[0].args)
	})

	t.Run("no id in output", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{[]byte("something unexpected\n")}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.Submit(context.Background(), "<job/>")
		var subErr *SubmissionError
		require.ErrorAs(t, err, &subErr)
		assert.Contains(t, subErr.Output, "something unexpected")
	})

	t.Run("command failure", func(t *testing.T) {
		runner := &scriptedRunner{errs: []error{errors.New("exit status 1")}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.Submit(context.Background(), "<job/>")
		var subErr *SubmissionError
		assert.ErrorAs(t, err, &subErr)
	})
}

func TestClientFetchResults(t *testing.T) {
	t.Run("parses document", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{
			[]byte(`<job id="1" result="Pass" status="Completed"><recipeSet id="7"/></job>`),
		}}
		client := NewClient(ClientConfig{}, runner, nil)

		doc, err := client.FetchResults(context.Background(), "J:1", false)
		require.NoError(t, err)
		assert.Equal(t, "job", doc.Root().Tag)
		assert.Equal(t, "Pass", doc.Root().SelectAttrValue("result", ""))
		assert.Equal(t, []string{"job-results", "--no-logs", "J:1"}, runner.calls[0].args)
	})

	t.Run("with logs drops the no-logs flag", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{[]byte(`<job/>`)}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.FetchResults(context.Background(), "RS:9", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-results", "RS:9"}, runner.calls[0].args)
	})

	t.Run("transport failure is a QueryError", func(t *testing.T) {
		runner := &scriptedRunner{errs: []error{errors.New("connection refused")}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.FetchResults(context.Background(), "RS:9", false)
		var qErr *QueryError
		require.ErrorAs(t, err, &qErr)
		assert.Equal(t, "RS:9", qErr.TaskSpec)
	})

	t.Run("malformed output is a ParsingError", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{[]byte("not xml at all <<<")}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.FetchResults(context.Background(), "RS:9", false)
		var pErr *ParsingError
		assert.ErrorAs(t, err, &pErr)
	})

	t.Run("empty output is a ParsingError", func(t *testing.T) {
		runner := &scriptedRunner{outputs: [][]byte{nil}}
		client := NewClient(ClientConfig{}, runner, nil)

		_, err := client.FetchResults(context.Background(), "RS:9", false)
		var pErr *ParsingError
		assert.ErrorAs(t, err, &pErr)
	})
}

func TestClientCancelBestEffort(t *testing.T) {
	runner := &scriptedRunner{errs: []error{errors.New("exit status 1")}}
	client := NewClient(ClientConfig{}, runner, nil)

	// Must not panic or propagate the failure.
	client.Cancel(context.Background(), "J:1")
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"job-cancel", "J:1"}, runner.calls[0].args)
}

func TestClientConsoleLogURL(t *testing.T) {
	xml := `<job><recipeSet><recipe><logs><log name="console.log" href="http://example.com/console.log"/></logs></recipe></recipeSet></job>`
	runner := &scriptedRunner{outputs: [][]byte{[]byte(xml), []byte(`<job/>`)}}
	client := NewClient(ClientConfig{}, runner, nil)

	url, err := client.ConsoleLogURL(context.Background(), "J:1")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/console.log", url)

	url, err = client.ConsoleLogURL(context.Background(), "J:2")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestClientWriteJUnitResults(t *testing.T) {
	runner := &scriptedRunner{outputs: [][]byte{[]byte(`<testsuites/>`)}}
	client := NewClient(ClientConfig{}, runner, nil)

	dir := t.TempDir()
	require.NoError(t, client.WriteJUnitResults(context.Background(), "J:00001", dir))

	b, err := os.ReadFile(filepath.Join(dir, "j_00001.xml"))
	require.NoError(t, err)
	assert.Equal(t, `<testsuites/>`, string(b))
	assert.Equal(t, []string{"job-results", "--format=junit-xml", "J:00001"}, runner.calls[0].args)
}

func TestClientRateLimiterConfigured(t *testing.T) {
	client := NewClient(ClientConfig{QueriesPerSecond: 100}, &scriptedRunner{
		outputs: [][]byte{[]byte(`<job/>`), []byte(`<job/>`)},
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := client.FetchResults(context.Background(), fmt.Sprintf("RS:%d", i), false)
		require.NoError(t, err)
	}
}
