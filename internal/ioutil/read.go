package ioutil

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an upstream error body ends up in an error
const maxErrorBody = 1024

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// If reading fails, returns a string describing the read failure instead of silencing
// the error.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// CheckStatus returns nil for 200 OK. Any other status becomes an error
// naming action, the status code and the start of the response body.
func CheckStatus(resp *http.Response, action string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body := strings.TrimSpace(ReadLimited(resp.Body, maxErrorBody))
	if body == "" {
		return fmt.Errorf("failed to %s: status %d", action, resp.StatusCode)
	}
	return fmt.Errorf("failed to %s: status %d: %s", action, resp.StatusCode, body)
}
