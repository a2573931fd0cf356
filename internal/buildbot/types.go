package buildbot

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is Buildbot's numeric build result code.
type Result int

const (
	Success Result = iota
	Warnings
	Failure
	Skipped
	Exception
	Retry
	Cancelled
)

var resultNames = [...]string{
	Success:   "success",
	Warnings:  "warnings",
	Failure:   "failure",
	Skipped:   "skipped",
	Exception: "exception",
	Retry:     "retry",
	Cancelled: "cancelled",
}

// Results lists every known result code in numeric order.
func Results() []Result {
	return []Result{Success, Warnings, Failure, Skipped, Exception, Retry, Cancelled}
}

// Valid reports whether r is one of the known result codes.
func (r Result) Valid() bool { return r >= Success && int(r) < len(resultNames) }

func (r Result) String() string {
	if !r.Valid() {
		return "unknown"
	}
	return resultNames[r]
}

// ParseResult accepts either the lowercase name or the numeric code.
func ParseResult(s string) (Result, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range resultNames {
		if n == s {
			return Result(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Result(n), nil
	}
	return 0, fmt.Errorf("unknown build result %q", s)
}

// ResultPtr is a small helper for building reports by hand.
func ResultPtr(r Result) *Result { return &r }

// StatusString mirrors Buildbot's statusToString: nil means the build is still running.
func StatusString(r *Result) string {
	if r == nil {
		return "not finished"
	}
	return r.String()
}

// SourceStamp references one revision contributing to a build.
// An empty string means the attribute is absent.
type SourceStamp struct {
	Revision   string `json:"revision,omitempty"`
	Project    string `json:"project,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Repository string `json:"repository,omitempty"`
}

type Build struct {
	ID          int64   `json:"buildid"`
	Number      int64   `json:"number"`
	BuilderName string  `json:"builder_name"`
	URL         string  `json:"url"`
	Result      *Result `json:"results,omitempty"`
	BuildsetID  int64   `json:"bsid,omitempty"`

	// ParentBuildID is set for builds triggered by another build.
	ParentBuildID      *int64 `json:"parent_buildid,omitempty"`
	ParentRelationship string `json:"parent_relationship,omitempty"`

	SourceStamps []SourceStamp  `json:"sourcestamps,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// IsSubBuild reports whether the build was triggered by a parent build.
func (b Build) IsSubBuild() bool { return b.ParentBuildID != nil }

// EventKind is the lifecycle transition a report was produced for.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
)

// ParseEventKind maps Buildbot's key suffixes ("new", "finished") and our own names.
func ParseEventKind(s string) (EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new", "started", "start":
		return EventStarted, true
	case "finished", "complete", "completed":
		return EventFinished, true
	default:
		return "", false
	}
}

// EventKey identifies the data-API event that produced a report,
// e.g. ("builds", 42, "finished").
type EventKey struct {
	Resource string
	ID       int64
	Action   string
}

func (k EventKey) String() string {
	if k.Resource == "" && k.ID == 0 && k.Action == "" {
		return ""
	}
	return k.Resource + "." + strconv.FormatInt(k.ID, 10) + "." + k.Action
}

// ParseEventKey parses the dotted form produced by EventKey.String.
func ParseEventKey(s string) (EventKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return EventKey{}, fmt.Errorf("invalid event key %q", s)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return EventKey{}, fmt.Errorf("invalid event key %q: %w", s, err)
	}
	return EventKey{Resource: parts[0], ID: id, Action: parts[2]}, nil
}

// Report is the unit of work handed to reporters for one lifecycle event.
// Only Builds[0] is rendered.
type Report struct {
	Event  EventKind
	Key    EventKey
	Body   string
	Builds []Build
}

// NewReport wraps a single build and renders the default summary body.
func NewReport(event EventKind, b Build) Report {
	return Report{
		Event:  event,
		Key:    EventKey{Resource: "builds", ID: b.ID, Action: keyAction(event)},
		Body:   SummaryText(event, b),
		Builds: []Build{b},
	}
}

// SummaryText is the human summary used as the message headline.
func SummaryText(event EventKind, b Build) string {
	switch event {
	case EventStarted:
		return fmt.Sprintf("Buildbot started build %s", b.BuilderName)
	case EventFinished:
		return fmt.Sprintf("Buildbot finished build %s with result %s", b.BuilderName, StatusString(b.Result))
	default:
		return ""
	}
}

func keyAction(event EventKind) string {
	if event == EventStarted {
		return "new"
	}
	return string(event)
}
