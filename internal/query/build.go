// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package query builds the query text sent to the server. It substitutes
placeholder parameters with safely escaped literals and enforces the output
format directive that the response parser expects.
*/
package query

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/immowelt/go-clickhouse/internal/wire"
)

// Build substitutes each ? placeholder in the query with the encoded
// literal of the corresponding argument. Placeholders inside string
// literals, quoted identifiers and comments are left untouched. Every
// substituted value passes through the literal escaping rules, so caller
// data can never terminate a literal early.
func Build(text string, args []any) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	next := 0

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\'', '"', '`':
			end, err := skipQuoted(text, i)
			if err != nil {
				return "", err
			}
			b.WriteString(text[i : end+1])
			i = end
		case '-':
			if i+1 < len(text) && text[i+1] == '-' {
				end := strings.IndexByte(text[i:], '\n')
				if end < 0 {
					b.WriteString(text[i:])
					i = len(text)
					break
				}
				b.WriteString(text[i : i+end])
				i += end - 1
				break
			}
			b.WriteByte(c)
		case '/':
			if i+1 < len(text) && text[i+1] == '*' {
				end := strings.Index(text[i+2:], "*/")
				if end < 0 {
					return "", errors.New("cannot parse query: missing closing */")
				}
				b.WriteString(text[i : i+2+end+2])
				i += 2 + end + 1
				break
			}
			b.WriteByte(c)
		case '?':
			if next >= len(args) {
				return "", errors.Errorf("query has more than %d placeholders but %d parameters given", next, len(args))
			}
			literal, err := wire.EncodeParam(args[next])
			if err != nil {
				return "", errors.Wrapf(err, "parameter %d", next)
			}
			b.WriteString(literal)
			next++
		default:
			b.WriteByte(c)
		}
	}

	if next != len(args) {
		return "", errors.Errorf("query has %d placeholders but %d parameters given", next, len(args))
	}
	return b.String(), nil
}

// skipQuoted returns the index of the closing quote of the literal or
// quoted identifier starting at start. Backslash escapes and doubled
// quotes do not terminate the literal.
func skipQuoted(text string, start int) (int, error) {
	quote := text[start]
	for i := start + 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case quote:
			if i+1 < len(text) && text[i+1] == quote {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, errors.Errorf("cannot parse query: missing closing %c", quote)
}

// formatDirective matches a terminal FORMAT clause, the way the server
// recognises one at the tail of the query text.
var formatDirective = regexp.MustCompile(`(?is)\bFORMAT\s+(\w+)\s*;?\s*$`)

// dataKeywords are the leading keywords of queries that return a result
// set and therefore need the output format pinned.
var dataKeywords = map[string]bool{
	"select":   true,
	"with":     true,
	"show":     true,
	"describe": true,
	"desc":     true,
	"exists":   true,
}

// EnsureFormat pins the output serialization format of a query. For queries
// that return a result set the directive is appended when absent; a
// conflicting caller-supplied directive is an error rather than a silent
// mismatch with the response parser. The returned bool reports whether a
// result set in the pinned format is expected.
func EnsureFormat(text, format string) (string, bool, error) {
	if !dataKeywords[leadingKeyword(text)] {
		return text, false, nil
	}
	if m := formatDirective.FindStringSubmatch(text); m != nil {
		if !strings.EqualFold(m[1], format) {
			return "", false, errors.Errorf("query requests FORMAT %s but the connection reads %s", m[1], format)
		}
		return text, true, nil
	}
	text = strings.TrimRight(strings.TrimSpace(text), ";")
	return text + " FORMAT " + format, true, nil
}

// leadingKeyword returns the first keyword of the query in lower case.
func leadingKeyword(text string) string {
	text = strings.TrimSpace(text)
	end := 0
	for end < len(text) {
		c := text[end]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			break
		}
		end++
	}
	return strings.ToLower(text[:end])
}
