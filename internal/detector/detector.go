// Package detector classifies fetch responses: whether the target blocked
// the request and whether the page needs a headless renderer.
package detector

import (
	"bytes"
	"strings"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

var blockMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("access denied"),
	[]byte("attention required"),
	[]byte("unusual traffic"),
	[]byte("are you a human"),
	[]byte("enable javascript and cookies to continue"),
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Heuristic implements rule-based response classification.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// IsBlocked reports whether the response looks like an anti-bot wall.
// Blocking statuses count outright; a 200 still counts when the body
// carries a known challenge marker.
func (h *Heuristic) IsBlocked(resp crawl.FetchResponse) bool {
	if crawl.IsBlockedStatus(resp.StatusCode) {
		return true
	}
	if resp.StatusCode != 200 {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	for _, marker := range blockMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ShouldPromote decides whether the page needs a headless re-fetch to
// render its content.
func (h *Heuristic) ShouldPromote(resp crawl.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
