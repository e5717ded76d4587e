package llm

import (
	"fmt"
	"net/http"
	"strings"
)

// StatusError is returned when a model API answers with a non-200 status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), body)
}

// Temporary reports whether the same request may succeed later. Rate limits
// with a daily quota in the message are not temporary.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return !strings.Contains(e.Body, "tokens per day") && !strings.Contains(e.Body, "TPD")
	case e.Code == http.StatusRequestTimeout:
		return true
	case e.Code >= 500:
		return e.Code != http.StatusNotImplemented
	}
	return false
}
