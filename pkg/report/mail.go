package report

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
)

// MailReporter sends the report as a multipart email over SMTP.
type MailReporter struct {
	From string
	To   []string
	Cc   []string
	Bcc  []string

	// Headers holds extra "Name: value" header lines.
	Headers []string
	// SubjectPrefix is prepended to the subject; Subject overrides the
	// generated one entirely.
	SubjectPrefix string
	Subject       string

	// SMTPAddr is the mail server, "localhost:25" when empty.
	SMTPAddr string

	// send is swapped out in tests.
	send func(addr, from string, to []string, msg []byte) error
}

func (r *MailReporter) Report(data Data, attachments []Attachment) error {
	subject := data.Subject()
	if r.Subject != "" {
		subject = r.Subject
	}
	subject = r.SubjectPrefix + subject

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", r.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(r.To, ", "))
	if len(r.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(r.Cc, ", "))
	}
	for _, line := range r.Headers {
		fmt.Fprintf(&buf, "%s\r\n", strings.TrimSpace(line))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	// Job IDs in a header let replies be correlated with lab jobs.
	if len(data.Jobs) > 0 {
		fmt.Fprintf(&buf, "X-KPIPE-JIDS: %s\r\n", strings.Join(data.Jobs, " "))
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return err
	}
	if _, err := body.Write([]byte(data.Render())); err != nil {
		return err
	}

	for _, att := range attachments {
		ctype := "application/octet-stream"
		if textAttachment(att.Name) {
			ctype = "text/plain; charset=utf-8"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {ctype},
			"Content-Disposition": {
				fmt.Sprintf(`attachment; filename=%q`, att.Name)},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(att.Content); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	addr := r.SMTPAddr
	if addr == "" {
		addr = "localhost:25"
	}
	recipients := append(append(append([]string{}, r.To...), r.Cc...), r.Bcc...)

	send := r.send
	if send == nil {
		send = func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		}
	}
	if err := send(addr, r.From, recipients, buf.Bytes()); err != nil {
		return fmt.Errorf("send report mail: %w", err)
	}
	return nil
}
