package steamclient

import "strings"

// OutcomeKind classifies one invocation of the external tool, combining
// exit status, output markers, and filesystem inspection.
type OutcomeKind int

const (
	OutcomeContentWritten OutcomeKind = iota
	OutcomeNeedsSecondFactor
	OutcomeSessionExpired
	OutcomeAccessDenied
	OutcomeNotFound
	OutcomeTransientFailure
	OutcomeTimeout
)

// SecondFactorKind distinguishes the two second-factor prompts the tool can
// emit.
type SecondFactorKind int

const (
	SecondFactorNone SecondFactorKind = iota
	SecondFactorEmail
	SecondFactorMobile
)

// Outcome is the classified result of one Adapter invocation.
type Outcome struct {
	Kind             OutcomeKind
	SecondFactorKind SecondFactorKind
	ContentPath      string
	Detail           string
}

// marker is one entry in the classification table: a substring to look for
// in a line of tool output and the flag it sets.
type marker struct {
	substring string
	set       func(*lineFlags)
}

// lineFlags accumulates the flags raised while scanning a single run's
// output, before precedence is applied to pick the final outcome.
type lineFlags struct {
	secondFactor    SecondFactorKind
	sessionExpired  bool
	accessDenied    bool
	notFound        bool
	transient       bool
	loginSuccess    bool
	downloadMarkers int
}

// markerTable is the single, exhaustive classification table for the
// external tool's textual output. Order within the table is irrelevant;
// precedence among the resulting flags is applied separately in classify.
var markerTable = []marker{
	{"Steam Guard code", func(f *lineFlags) { f.secondFactor = SecondFactorEmail }},
	{"Two-factor code", func(f *lineFlags) { f.secondFactor = SecondFactorMobile }},
	{"Invalid Password", func(f *lineFlags) { f.sessionExpired = true }},
	{"Login Failure", func(f *lineFlags) { f.sessionExpired = true }},
	{"No subscription", func(f *lineFlags) { f.accessDenied = true }},
	{"Access Denied", func(f *lineFlags) { f.accessDenied = true }},
	{"Item not found", func(f *lineFlags) { f.notFound = true }},
	{"ERROR!", func(f *lineFlags) { f.transient = true }},
	{"failed (Failure)", func(f *lineFlags) { f.transient = true }},
	{"Logged in OK", func(f *lineFlags) { f.loginSuccess = true }},
	{"Waiting for client config...OK", func(f *lineFlags) { f.loginSuccess = true }},
	{"Loading Steam API...OK", func(f *lineFlags) { f.loginSuccess = true }},
}

// downloadingMarker is scanned separately since it drives the Downloading
// phase's progress heuristic rather than outcome classification.
const downloadingMarker = "downloading"

// scanLine applies the classification table to a single line of output,
// merging any raised flags into acc. Returns true if the line contained a
// "downloading" progress marker.
func scanLine(line string, acc *lineFlags) (sawDownloadMarker bool) {
	for _, m := range markerTable {
		if strings.Contains(line, m.substring) {
			m.set(acc)
		}
	}
	if strings.Contains(strings.ToLower(line), downloadingMarker) {
		acc.downloadMarkers++
		return true
	}
	return false
}

// classify resolves a run's accumulated flags plus filesystem inspection
// into a final Outcome. Precedence: second-factor prompt > session expired
// > access/availability > transient > success. Filesystem verification is
// mandatory and supersedes textual success markers.
func classify(acc lineFlags, contentPath string, contentFound bool) Outcome {
	switch {
	case acc.secondFactor != SecondFactorNone:
		return Outcome{Kind: OutcomeNeedsSecondFactor, SecondFactorKind: acc.secondFactor}
	case acc.sessionExpired:
		return Outcome{Kind: OutcomeSessionExpired}
	case acc.accessDenied:
		return Outcome{Kind: OutcomeAccessDenied}
	case acc.notFound:
		return Outcome{Kind: OutcomeNotFound}
	case acc.transient:
		return Outcome{Kind: OutcomeTransientFailure, Detail: "transient marker observed in output"}
	case acc.loginSuccess && contentFound:
		return Outcome{Kind: OutcomeContentWritten, ContentPath: contentPath}
	default:
		// Apparent success but no content on disk, or no recognized
		// marker at all: treat as transient per the failure semantics
		// table (content absent after apparent success is transient).
		return Outcome{Kind: OutcomeTransientFailure, Detail: "no content found after run"}
	}
}
