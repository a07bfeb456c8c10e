package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// printMessage prints msg on success and passes err through.
func printMessage(w io.Writer) func(msg string, err error) error {
	return func(msg string, err error) error {
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, msg)
		return nil
	}
}
