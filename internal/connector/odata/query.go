package odata

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EmptyGUID is how the ERP spells a missing reference.
const EmptyGUID = "00000000-0000-0000-0000-000000000000"

// Query describes one request against an entity set.
type Query struct {
	Entity  string
	Filter  string
	Select  []string
	OrderBy string
	Top     int
	Skip    int
}

// BuildURL renders the request URL. Query option names keep their literal
// "$" and spaces are encoded as %20, which the ERP requires.
func BuildURL(base string, q Query) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, segment := range strings.Split(q.Entity, "/") {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}

	params := [][2]string{{"$format", "json"}}
	if q.Top > 0 {
		params = append(params, [2]string{"$top", strconv.Itoa(q.Top)})
	}
	if q.Skip > 0 {
		params = append(params, [2]string{"$skip", strconv.Itoa(q.Skip)})
	}
	if strings.TrimSpace(q.Filter) != "" {
		params = append(params, [2]string{"$filter", q.Filter})
	}
	if len(q.Select) > 0 {
		params = append(params, [2]string{"$select", strings.Join(q.Select, ",")})
	}
	if q.OrderBy != "" {
		params = append(params, [2]string{"$orderby", q.OrderBy})
	}

	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(escapeValue(p[1]))
	}
	return b.String()
}

func escapeValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// CountURL renders the $count request for an entity set.
func CountURL(base, entity, filter string) string {
	// $count answers in plain text, so no $format.
	u := strings.TrimSuffix(BuildURL(base, Query{Entity: entity + "/$count"}), "?$format=json")
	if strings.TrimSpace(filter) != "" {
		u += "?$filter=" + escapeValue(filter)
	}
	return u
}

const dateTimeLayout = "2006-01-02T15:04:05"

// DateRange filters field to the half-open interval [from, to).
func DateRange(field string, from, to time.Time) string {
	var parts []string
	if !from.IsZero() {
		parts = append(parts, fmt.Sprintf("%s ge datetime'%s'", field, from.Format(dateTimeLayout)))
	}
	if !to.IsZero() {
		parts = append(parts, fmt.Sprintf("%s lt datetime'%s'", field, to.Format(dateTimeLayout)))
	}
	return strings.Join(parts, " and ")
}

// GUIDEquals filters field to one reference.
func GUIDEquals(field, id string) string {
	return fmt.Sprintf("%s eq guid'%s'", field, id)
}

// And joins non-empty filter clauses.
func And(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " and ")
}
