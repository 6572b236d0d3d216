// Package ratelimit classifies agent CLI output as throttled and
// estimates when the usage window resets.
//
// Detection is a membership test over known phrases, not NLP: false
// negatives are acceptable, false positives are not, so matching
// requires exact known wording (case-insensitive).
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"claudeq/internal/queue"
)

// defaultPatterns are the throttle signatures seen in agent CLI output.
// The wording is vendor-dependent and brittle; config may append more.
var defaultPatterns = []string{
	"usage limit reached",
	"rate limit",
	"too many requests",
	"quota exceeded",
	"limit exceeded",
}

// anchorSpec encodes the daily quota-reset anchors (05:00, 10:00,
// 15:00, 20:00 local time) as a standard cron schedule.
const anchorSpec = "0 5,10,15,20 * * *"

var anchorSchedule = mustSchedule(anchorSpec)

func mustSchedule(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic("ratelimit: bad anchor spec: " + err.Error())
	}
	return s
}

// Detector matches output against the throttle phrase list.
type Detector struct {
	patterns []string
}

// NewDetector builds a detector with the built-in phrases plus any
// extra configured ones. Blank extras are ignored.
func NewDetector(extra ...string) *Detector {
	patterns := make([]string, 0, len(defaultPatterns)+len(extra))
	for _, p := range defaultPatterns {
		patterns = append(patterns, strings.ToLower(p))
	}
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Detector{patterns: patterns}
}

// Patterns returns a copy of the active phrase list (for status output).
func (d *Detector) Patterns() []string {
	return append([]string(nil), d.patterns...)
}

// Classify scans raw output for throttle signatures.
// The returned info carries no reset estimate; see Analyzer.
func (d *Detector) Classify(output string) queue.RateLimitInfo {
	lower := strings.ToLower(output)
	for _, p := range d.patterns {
		if strings.Contains(lower, p) {
			return queue.RateLimitInfo{
				Detected:   true,
				RawMessage: strings.TrimSpace(output),
				DetectedAt: time.Now(),
			}
		}
	}
	return queue.RateLimitInfo{}
}

var (
	// "usage limit reached|1735689600", epoch appended by the agent CLI.
	epochRe = regexp.MustCompile(`\|\s*(\d{9,11})\b`)
	// "resets at 14:30" / "try again at 9:05"
	clockRe = regexp.MustCompile(`(?i)(?:reset[s]?|try again|available)\s+at\s+(\d{1,2}):(\d{2})`)
	// "resets at 3pm" / "try again at 11 am"
	meridiemRe = regexp.MustCompile(`(?i)(?:reset[s]?|try again|available)\s+at\s+(\d{1,2})\s*(am|pm)`)
)

// EstimateReset returns the next time a throttled attempt is worth
// retrying. An explicit reset time embedded in the message wins;
// otherwise the next daily anchor strictly after now is used.
//
// The result is advisory: callers must allow earlier manual retry.
func EstimateReset(now time.Time, message string) time.Time {
	if t, ok := parseExplicitReset(now, message); ok {
		return t
	}
	return anchorSchedule.Next(now)
}

func parseExplicitReset(now time.Time, message string) (time.Time, bool) {
	if m := epochRe.FindStringSubmatch(message); m != nil {
		secs, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			t := time.Unix(secs, 0).In(now.Location())
			if t.After(now) {
				return t, true
			}
		}
	}

	if m := clockRe.FindStringSubmatch(message); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour < 24 && minute < 60 {
			return nextClock(now, hour, minute), true
		}
	}

	if m := meridiemRe.FindStringSubmatch(message); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour >= 1 && hour <= 12 {
			if strings.EqualFold(m[2], "pm") && hour != 12 {
				hour += 12
			} else if strings.EqualFold(m[2], "am") && hour == 12 {
				hour = 0
			}
			return nextClock(now, hour, 0), true
		}
	}

	return time.Time{}, false
}

// nextClock returns the next occurrence of hour:minute after now,
// rolling to tomorrow when the time already passed today.
func nextClock(now time.Time, hour, minute int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Analyzer bundles detection and estimation for the scheduler.
type Analyzer struct {
	det *Detector
}

func NewAnalyzer(extraPatterns ...string) *Analyzer {
	return &Analyzer{det: NewDetector(extraPatterns...)}
}

func (a *Analyzer) Detector() *Detector { return a.det }

// Analyze classifies output and, when throttled, fills in the
// estimated reset time.
func (a *Analyzer) Analyze(now time.Time, output string) queue.RateLimitInfo {
	info := a.det.Classify(output)
	if !info.Detected {
		return info
	}
	info.DetectedAt = now
	info.EstimatedResetAt = EstimateReset(now, info.RawMessage)
	return info
}
