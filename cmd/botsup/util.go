package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

// cliError carries the process exit code a subcommand wants main to
// return, since cobra's RunE only gives us an error.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitError(code int, format string, args ...any) *cliError {
	return &cliError{code: code, err: fmt.Errorf(format, args...)}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
