package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// outcome is the explicit classification of one upstream attempt. The
// retry loop is driven off these variants, never off raised errors.
type outcome int

const (
	// outcomeSuccess: 2xx/3xx, stream through, report success.
	outcomeSuccess outcome = iota
	// outcomeClientError: 4xx other than 429. The upstream key worked;
	// the response passes through unchanged and is never retried.
	outcomeClientError
	// outcomeRateLimited: 429, key enters a rate-limit window, retry.
	outcomeRateLimited
	// outcomeServerError: 5xx, retry on another key.
	outcomeServerError
)

func classifyStatus(status int) outcome {
	switch {
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status >= 500:
		return outcomeServerError
	case status >= 400:
		return outcomeClientError
	default:
		return outcomeSuccess
	}
}

// errorSnippetLimit bounds how much of a failed response body is read for
// the last-error record.
const errorSnippetLimit = 2048

// upstreamErrorText extracts a short error description from a failed
// response: the provider's error.message when the body is JSON, else a
// truncated raw snippet. The body is consumed only up to the limit; the
// caller still owns closing it.
func upstreamErrorText(resp *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
	if msg := gjson.GetBytes(snippet, "error.message"); msg.Exists() && msg.String() != "" {
		return fmt.Sprintf("upstream %d: %s", resp.StatusCode, msg.String())
	}
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return fmt.Sprintf("upstream %d: %s", resp.StatusCode, text)
}

// defaultRateLimitWindow is the reset estimate when the provider gives
// none; OpenRouter windows are hourly.
const defaultRateLimitWindow = time.Hour

// rateLimitReset derives the window end for a 429: Retry-After seconds
// when present and sane, otherwise now + the default window.
func rateLimitReset(resp *http.Response, now time.Time) time.Time {
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 && secs <= 24*3600 {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	return now.Add(defaultRateLimitWindow)
}
