package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Relative-URL modes of an edge-redirect match rule.
const (
	relativeURLMode = "relative_url"
	absoluteURLMode = "none"
)

// RedirectRule is one generated edge-redirect match rule. The JSON shape is
// the policy API's erMatchRule.
type RedirectRule struct {
	Type                   string `json:"type" validate:"eq=erMatchRule"`
	MatchURL               string `json:"matchURL" validate:"required,startswith=/,startsnotwith=//,excludes=?"`
	RedirectURL            string `json:"redirectURL" validate:"required,nefield=MatchURL"`
	StatusCode             int    `json:"statusCode" validate:"oneof=301 302"`
	UseRelativeURL         string `json:"useRelativeUrl" validate:"oneof=relative_url none"`
	UseIncomingQueryString bool   `json:"useIncomingQueryString"`
}

// RowOutcome says what happened to one input row.
type RowOutcome int

const (
	RowAccepted RowOutcome = iota
	RowIdentical
	RowMalformed
	RowUnsanitised
)

// RowDiagnostic records a row that was skipped for a reason worth reporting.
type RowDiagnostic struct {
	Line    int
	Outcome RowOutcome
	Row     []string
	Reason  string
}

// ParsedRows is the result of reading a redirect file.
type ParsedRows struct {
	Rules       []RedirectRule
	Diagnostics []RowDiagnostic
	Identical   int
	Total       int
}

// ParseRow validates and normalizes one delimited row of the form
// source, destination[, status]. A rule is only meaningful when the outcome
// is RowAccepted.
func ParseRow(row []string) (RedirectRule, RowOutcome, string) {
	if len(row) < 2 {
		return RedirectRule{}, RowMalformed, fmt.Sprintf("row has %d field(s), need at least 2", len(row))
	}
	source, destination := row[0], row[1]
	if source == destination {
		return RedirectRule{}, RowIdentical, ""
	}
	if !strings.HasPrefix(source, "/") || strings.HasPrefix(source, "//") || strings.Contains(source, "?") {
		return RedirectRule{}, RowUnsanitised, fmt.Sprintf("source %s not sanitised, only plain paths starting with a single / are supported", source)
	}

	if strings.HasPrefix(destination, "//") {
		destination = "https:" + destination
	}
	rule := RedirectRule{
		Type:                   "erMatchRule",
		MatchURL:               source,
		RedirectURL:            destination,
		StatusCode:             301,
		UseRelativeURL:         relativeURLMode,
		UseIncomingQueryString: true,
	}
	if !strings.HasPrefix(destination, "/") {
		rule.UseRelativeURL = absoluteURLMode
	}
	if len(row) >= 3 {
		switch row[2] {
		case "301":
			rule.StatusCode = 301
		case "302":
			rule.StatusCode = 302
		}
	}

	if err := validate.Struct(rule); err != nil {
		return RedirectRule{}, RowUnsanitised, fmt.Sprintf("rule for %s rejected: %v", source, err)
	}
	return rule, RowAccepted, ""
}

// parseDelimiter turns the --delimiter value into a CSV field separator.
// "\t" and "tab" select a tab.
func parseDelimiter(s string) (rune, error) {
	switch s {
	case `\t`, "tab", "TAB":
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r, nil
}

// ReadRows reads every row of r and sorts it into accepted rules and
// diagnostics. Only a broken reader or undecodable CSV is an error; bad rows
// are reported and skipped.
func ReadRows(r io.Reader, delimiter rune) (ParsedRows, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out ParsedRows
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, newRunError(KindInput, "reading redirects", err)
		}
		out.Total++
		line, _ := cr.FieldPos(0)

		rule, outcome, reason := ParseRow(row)
		switch outcome {
		case RowAccepted:
			out.Rules = append(out.Rules, rule)
		case RowIdentical:
			out.Identical++
		default:
			if outcome == RowMalformed {
				reason = fmt.Sprintf("%s, is the delimiter (%q) used correctly?", reason, string(delimiter))
			}
			out.Diagnostics = append(out.Diagnostics, RowDiagnostic{
				Line:    line,
				Outcome: outcome,
				Row:     row,
				Reason:  reason,
			})
		}
	}
	return out, nil
}

// ReadRowsFile is ReadRows over a file on disk.
func ReadRowsFile(path string, delimiter rune) (ParsedRows, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParsedRows{}, newRunError(KindInput, "opening redirects", err)
	}
	defer f.Close()
	return ReadRows(f, delimiter)
}
