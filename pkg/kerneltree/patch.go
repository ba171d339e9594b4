package kerneltree

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/kpipe/kpipe/pkg/retry"
)

// ApplyPatchFile applies a local patch with git am. On failure the am
// session is aborted, the git output is saved to the merge log, and a
// PatchApplicationError is returned.
func (t *Tree) ApplyPatchFile(ctx context.Context, patchPath string) error {
	if _, err := os.Stat(patchPath); err != nil {
		return fmt.Errorf("patch %s: %w", patchPath, err)
	}

	t.logger.Info("applying patch", zap.String("patch", patchPath))
	out, err := t.runner.Run(ctx, t.cfg.WorkDir, nil, "git", "am", patchPath)
	if err != nil {
		return t.failPatch(ctx, patchPath, out)
	}

	t.info = append(t.info, []string{"patch", patchPath})
	return nil
}

// ApplyPatchworkPatch downloads the patch mbox from a Patchwork patch URL
// and applies it with git am. The patch subject is recorded in the build
// provenance.
func (t *Tree) ApplyPatchworkPatch(ctx context.Context, url string) error {
	mbox, err := t.fetchPatchMbox(ctx, url)
	if err != nil {
		return err
	}

	t.logger.Info("applying patchwork patch", zap.String("url", url))
	out, err := t.runner.Run(ctx, t.cfg.WorkDir, mbox, "git", "am", "-")
	if err != nil {
		return t.failPatch(ctx, path.Base(strings.TrimRight(url, "/")), out)
	}

	t.info = append(t.info, []string{"patchwork", url, patchSubject(mbox)})
	return nil
}

func (t *Tree) failPatch(ctx context.Context, patch string, output []byte) error {
	if _, err := t.gitCmd(ctx, "am", "--abort"); err != nil {
		t.logger.Warn("git am --abort failed", zap.Error(err))
	}
	if err := os.WriteFile(t.MergeLogPath(), output, 0644); err != nil {
		t.logger.Warn("writing merge log failed", zap.Error(err))
	}
	return &PatchApplicationError{Patch: patch, Output: string(output)}
}

// fetchPatchMbox retrieves <url>/mbox, retrying transient failures.
func (t *Tree) fetchPatchMbox(ctx context.Context, url string) ([]byte, error) {
	mboxURL := strings.TrimRight(url, "/") + "/mbox"

	var body []byte
	err := retry.Do(ctx, t.logger, t.cfg.PatchFetchAttempts, t.cfg.PatchFetchDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mboxURL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching %s returned %d", mboxURL, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve patch mbox: %w", err)
	}
	return body, nil
}

// patchSubject extracts the decoded Subject header from a patch mbox.
// Placeholders are returned when the header is missing or undecodable so
// provenance rows always have three columns.
func patchSubject(mbox []byte) string {
	msg, err := mail.ReadMessage(strings.NewReader(string(mbox)))
	if err != nil {
		return "<SUBJECT MISSING>"
	}
	subject := msg.Header.Get("Subject")
	if subject == "" {
		return "<SUBJECT MISSING>"
	}
	subject = strings.NewReplacer("\n", " ", "\t", "", "\r", "").Replace(subject)

	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(subject)
	if err != nil {
		return "<SUBJECT ENCODING INVALID>"
	}
	return decoded
}
