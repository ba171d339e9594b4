package kernelbuild

import "fmt"

// CommandTimeoutError reports a build command that overran its allotted
// wall-clock time.
type CommandTimeoutError struct {
	Command string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%q was taking too long", e.Command)
}

// ParsingError reports expected content missing from command output.
type ParsingError struct {
	What string
}

func (e *ParsingError) Error() string {
	return "failed to find " + e.What
}
