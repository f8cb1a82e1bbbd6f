// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"strings"
	"time"
)

// OData v2 filter fragments for SharePoint list queries. String
// literals are single-quoted with '' escaping; dates use the
// datetime'...' literal form.

// ODataQuote renders s as a single-quoted OData string literal.
func ODataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ODataDateTime renders t as an OData datetime literal in UTC.
func ODataDateTime(t time.Time) string {
	return "datetime'" + t.UTC().Format("2006-01-02T15:04:05Z") + "'"
}

// FilterEq builds `field eq 'value'`.
func FilterEq(field, value string) string {
	return field + " eq " + ODataQuote(value)
}

// FilterGeDate builds `field ge datetime'...'`.
func FilterGeDate(field string, t time.Time) string {
	return field + " ge " + ODataDateTime(t)
}
