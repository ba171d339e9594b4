package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize the pipeline results",
	Long: `Render a report from the recorded pipeline state and deliver it with
the configured reporter (stdio prints to the terminal, mail sends it over
SMTP). Merge and build logs referenced by the state are attached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doReport(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func doReport(ctx context.Context) error {
	logger := observability.CLILogger

	stateData, err := state.Read()
	if err != nil {
		return exitError(1, "Reading state failed", err)
	}
	data := report.FromState(stateData)

	var attachments []report.Attachment
	loadLog := func(key string, into *string) {
		path, _ := stateData[key].(string)
		if path == "" {
			return
		}
		content, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("reading log failed",
				zap.String("key", key), zap.Error(err))
			return
		}
		*into = string(content)
		attachments = append(attachments, report.Attachment{
			Name: key + ".log", Content: content})
	}
	loadLog("mergelog", &data.MergeLog)
	loadLog("buildlog", &data.BuildLog)

	reporter, err := newReporter()
	if err != nil {
		return exitError(1, "Reporter setup failed", err)
	}
	if err := reporter.Report(data, attachments); err != nil {
		return exitError(1, "Reporting failed", err)
	}
	return nil
}

type resultReporter interface {
	Report(data report.Data, attachments []report.Attachment) error
}

func newReporter() (resultReporter, error) {
	switch cfg.Reporter.Type {
	case "stdio", "":
		return &report.StdioReporter{}, nil
	case "mail":
		return &report.MailReporter{
			From:          cfg.Reporter.MailFrom,
			To:            cfg.Reporter.MailTo,
			Cc:            cfg.Reporter.MailCc,
			Bcc:           cfg.Reporter.MailBcc,
			Headers:       cfg.Reporter.MailHeaders,
			SubjectPrefix: cfg.Reporter.SubjectPrefix,
			Subject:       cfg.Reporter.Subject,
			SMTPAddr:      cfg.Reporter.SMTPAddr,
		}, nil
	default:
		return nil, fmt.Errorf("unknown reporter type: %s", cfg.Reporter.Type)
	}
}
