package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/prdflow/errors"
)

// ErrorHandler prints user-friendly error messages with a hint for the
// codes a user can act on.
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to stderr.
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     os.Stderr,
	}
}

// Handle prints err and returns it unchanged.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	fmt.Fprintf(h.Out, "%s %s\n", errorStyle.Render("✗"), errors.UserMessage(err))

	switch errors.GetCode(err) {
	case errors.ErrCodeTransport:
		fmt.Fprintln(h.Out, mutedStyle.Render("Is the server running? Start it with 'prdflow serve'."))
	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintln(h.Out, mutedStyle.Render("Run 'prdflow config schema' to see the accepted settings."))
	case errors.ErrCodeInFlight:
		fmt.Fprintln(h.Out, mutedStyle.Render("Wait for the running operation to finish, then retry."))
	case errors.ErrCodeWorkflow:
		fmt.Fprintln(h.Out, mutedStyle.Render("Run 'prdflow status' to see the session's stage."))
	case errors.ErrCodeSessionNotFound:
		fmt.Fprintln(h.Out, mutedStyle.Render("Start a new session with 'prdflow run --new'."))
	}

	if h.Verbose {
		if groveErr, ok := err.(*errors.GroveError); ok {
			fmt.Fprintf(h.Out, "\nError details:\n%s\n", groveErr.ToJSON())
		}
	}
	return err
}
