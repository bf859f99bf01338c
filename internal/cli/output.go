package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/okian/podium/internal/client"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Request or verification failure
	ExitCommandError = 2 // Bad flags or arguments
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Success writes data as a JSON envelope, or calls text for the
// human-readable form.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.Format == FormatJSON {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	if err := text(tw); err != nil {
		return err
	}
	return tw.Flush()
}

// Error reports err in the configured format. API errors keep the code
// the server sent.
func (f *OutputFormatter) Error(err error) {
	e := &CLIError{Code: "error", Message: err.Error()}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.Code
		e.Message = apiErr.Message
		e.Status = apiErr.Status
	}

	if f.Format == FormatJSON {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: e})
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	if e.Status != 0 {
		fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, e.Message)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
