// Package console fetches kernel console logs and extracts oops and call
// trace blocks from them.
package console

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
)

// Lines beginning an oops or call trace block.
var oopsPatterns = []string{
	`general protection fault:`,
	`BUG:`,
	`kernel BUG at`,
	`do_IRQ: stack overflow:`,
	`RTNL: assertion failed`,
	`Eeek! page_mapcount\(page\) went negative!`,
	`near stack overflow \(cur:`,
	`double fault:`,
	`Badness at`,
	`NETDEV WATCHDOG`,
	`WARNING: at`,
	`appears to be on the same physical disk`,
	`Unable to handle kernel`,
	`sysctl table check failed`,
	`------------\[ cut here \]------------`,
	`list_del corruption\.`,
	`list_add corruption\.`,
	`NMI watchdog: BUG: soft lockup`,
	`irq [0-9]+: nobody cared`,
	`INFO: task .* blocked for more than [0-9]+ seconds`,
	`vmwrite error: reg `,
	`page allocation failure: order:`,
	`page allocation stalls for.*order:.*mode:`,
	`INFO: rcu_sched self-detected stall on CPU`,
	`INFO: rcu_sched detected stalls on CPUs/tasks:`,
	`NMI watchdog: Watchdog detected hard LOCKUP`,
	`Kernel panic - not syncing: `,
	`Oops: Unrecoverable TM Unavailable Exception`,
	`\[\s+INFO:.*dependency detected.*\]`,
	`ERR: suspicious RCU usage`,
}

// Lines belonging to an in-progress call trace block.
var tracePatterns = []string{
	`\[[\d\ \.]+\].*\[[0-9a-f<>]+\]`,
	`\[[\d\ \.]+\]\s+.+\s+[A-Z]\s[0-9a-fx ]+`,
	`\[[\d\ \.]+\]\s+[0-9a-fx ]+`,
	`Instruction dump`,
	`handlers:`,
	`Code: [0-9a-z]+`,
	`blocked for`,
	`Workqueue:`,
	`disables this message`,
	`Call (T|t)race`,
	`Hardware name`,
	`Exception stack`,
	`task: [0-9a-f]+.*task\.`,
	`^(Traceback)?[0-9a-f\s]+$`,
	`(\[[\d\ \.]+\]\s+)?([A-Z0-9]+: [0-9a-fx ]+)+`,
	`Stack:\s*$`,
	`Modules linked in:`,
	`Oops:`,
	`(PGD|EIP)`,
	`pde.*pte`,
	`stack backtrace:`,
	`->.*(lock|mutex)`,
	`shortest dependencies between .*lock`,
	`changed the state of lock`,
	`other info that might help us debug this`,
	`(acquire|holding) lock:`,
	`already depends on the new lock`,
	`existing dependency chain.*:`,
	`RCU used illegally`,
	`rcu_scheduler_active`,
}

// Lines ending a call trace block.
var endPatterns = []string{
	`\[ end (trace|Kernel panic)`,
	`\[[\d\ \.]+\]\s+\S{1,4}\s*$`,
	`restraintd`,
	`[0-9a-f]+:[0-9a-f]+:`,
	`beah`,
	`\[-- MARK --`,
	`LTP`,
}

// Lines dropped from the log before matching.
var excludePatterns = []string{
	`\sOK\s`,
	`^\s*$`,
}

var (
	startRe    = regexp.MustCompile(strings.Join(oopsPatterns, "|"))
	continueRe = regexp.MustCompile(strings.Join(tracePatterns, "|"))
	endRe      = regexp.MustCompile(strings.Join(endPatterns, "|"))
	excludeRe  = regexp.MustCompile(strings.Join(excludePatterns, "|"))
)

// Log holds the console output of one kernel boot.
type Log struct {
	kver  string
	lines []string
}

// Fetch retrieves a console log from an http(s) URL or a local path (gzipped
// files are transparently decompressed) and truncates it to start at the
// tested kernel's boot message. A log without that message yields an empty
// Log, meaning the kernel never started booting.
func Fetch(ctx context.Context, kver, urlOrPath string) (*Log, error) {
	if urlOrPath == "" {
		return &Log{kver: kver}, nil
	}

	var text string
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlOrPath, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch console log: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch console log: %s returned %d", urlOrPath, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read console log: %w", err)
		}
		text = string(body)
	} else {
		body, err := os.ReadFile(urlOrPath)
		if err != nil {
			return nil, fmt.Errorf("read console log: %w", err)
		}
		if strings.HasSuffix(urlOrPath, ".gz") {
			gz, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("decompress console log: %w", err)
			}
			defer gz.Close()
			body, err = io.ReadAll(gz)
			if err != nil {
				return nil, fmt.Errorf("decompress console log: %w", err)
			}
		}
		text = string(body)
	}

	return parse(kver, text), nil
}

func parse(kver, text string) *Log {
	idx := strings.Index(text, "Linux version "+kver)
	if idx < 0 {
		return &Log{kver: kver}
	}

	var lines []string
	for _, line := range strings.Split(text[idx:], "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return &Log{kver: kver, lines: lines}
}

// Booted reports whether the log contains the kernel's boot message at all.
func (l *Log) Booted() bool { return len(l.lines) > 0 }

// FullLog returns the gzip-compressed text of the kernel's console log.
func (l *Log) FullLog() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(strings.Join(l.lines, "\n"))); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Traces extracts the non-overlapping oops and call trace blocks from the
// log. A block opens on an oops line, collects subsequent lines that look
// like trace content, and closes on an end marker. Unterminated blocks are
// dropped.
func (l *Log) Traces() []string {
	var result []string
	var block []string

	for _, line := range l.lines {
		if excludeRe.MatchString(line) {
			continue
		}
		if startRe.MatchString(line) {
			block = []string{line}
			continue
		}
		if len(block) == 0 {
			continue
		}
		if endRe.MatchString(line) {
			block = append(block, line)
			result = append(result, strings.Join(block, "\n"))
			block = nil
			continue
		}
		// Unrelated noise between trace lines is skipped so a flooded
		// log still yields a usable block.
		if continueRe.MatchString(line) {
			block = append(block, line)
		}
	}
	return result
}
