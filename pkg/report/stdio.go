package report

import (
	"fmt"
	"io"
	"os"
)

// StdioReporter prints the report to a writer, stdout by default.
type StdioReporter struct {
	Out io.Writer
}

func (r *StdioReporter) Report(data Data, attachments []Attachment) error {
	out := r.Out
	if out == nil {
		out = os.Stdout
	}

	if _, err := fmt.Fprintf(out, "Subject: %s\n", data.Subject()); err != nil {
		return err
	}
	if _, err := io.WriteString(out, data.Render()); err != nil {
		return err
	}

	for _, att := range attachments {
		if !textAttachment(att.Name) {
			continue
		}
		if _, err := fmt.Fprintf(out, "\n---------------\n%s\n%s", att.Name, att.Content); err != nil {
			return err
		}
	}
	return nil
}
