package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v48/github"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// isRateLimited reports whether err is a primary or secondary rate limit
// response, or a plain 429.
func isRateLimited(resp *github.Response, err error) bool {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return true
	}
	return statusCode(resp, err) == http.StatusTooManyRequests
}

// statusCode extracts the HTTP status from a go-github response or error.
func statusCode(resp *github.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

// requestLine returns the method and URL of the failing request, if known.
func requestLine(resp *github.Response, err error) (string, string) {
	var req *http.Request
	if resp != nil && resp.Response != nil {
		req = resp.Request
	}
	var er *github.ErrorResponse
	if req == nil && errors.As(err, &er) && er.Response != nil {
		req = er.Response.Request
	}
	if req == nil {
		return "", ""
	}
	return req.Method, req.URL.String()
}

// classify maps a non-rate-limit failure onto the model taxonomy. conflict is
// the sentinel used for 409/422 on this operation, or nil.
func classify(what string, resp *github.Response, err error, conflict error) error {
	switch code := statusCode(resp, err); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", what, model.ErrNotFound, err)
	case conflict != nil && (code == http.StatusConflict || code == http.StatusUnprocessableEntity):
		return fmt.Errorf("%s: %w: %w", what, conflict, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
