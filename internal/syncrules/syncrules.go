// Package syncrules evaluates per-client row filtering rules. A rule
// set groups tables and row predicates into named buckets; a delta
// reaches a client when it matches at least one bucket under that
// client's JWT claims.
package syncrules

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/errs"
)

// Filter ops allowed in a bucket predicate.
var allowedOps = map[string]struct{}{
	"eq": {}, "neq": {}, "in": {}, "gt": {}, "lt": {}, "gte": {}, "lte": {},
}

// Filter is one column predicate. A Value of the form "jwt:<claim>"
// is substituted with the named claim at evaluation time.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

// Bucket names a set of tables plus the predicates rows must satisfy.
// An empty Tables list means every table; an empty Filters list means
// no row predicate.
type Bucket struct {
	Name    string   `json:"name"`
	Tables  []string `json:"tables"`
	Filters []Filter `json:"filters"`
}

// Rules is a versioned rule set. A set with no buckets admits every
// delta.
type Rules struct {
	Version int      `json:"version"`
	Buckets []Bucket `json:"buckets"`
}

// Parse decodes and validates a JSON rule set.
func Parse(raw []byte) (*Rules, error) {
	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid sync rules JSON", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the structural rules: positive version, non-empty
// unique bucket names, non-empty table names, and well-formed filters.
func (r *Rules) Validate() error {
	if r.Version <= 0 {
		return errs.New(errs.KindValidation, "version must be a positive integer")
	}
	seen := make(map[string]struct{}, len(r.Buckets))
	for i, b := range r.Buckets {
		if b.Name == "" {
			return errs.Newf(errs.KindValidation, "bucket %d: name is required", i)
		}
		if _, dup := seen[b.Name]; dup {
			return errs.Newf(errs.KindValidation, "bucket name %q is duplicated", b.Name)
		}
		seen[b.Name] = struct{}{}
		for _, tbl := range b.Tables {
			if tbl == "" {
				return errs.Newf(errs.KindValidation, "bucket %q: table names must be non-empty", b.Name)
			}
		}
		for j, f := range b.Filters {
			if f.Column == "" {
				return errs.Newf(errs.KindValidation, "bucket %q filter %d: column is required", b.Name, j)
			}
			if _, ok := allowedOps[f.Op]; !ok {
				return errs.Newf(errs.KindValidation, "bucket %q filter %d: unknown op %q", b.Name, j, f.Op)
			}
			if f.Value == "" {
				return errs.Newf(errs.KindValidation, "bucket %q filter %d: value is required", b.Name, j)
			}
		}
	}
	return nil
}

// FilterDeltas keeps the deltas the claims are allowed to see. A nil
// rule set, or one with no buckets, passes everything through.
func FilterDeltas(deltas []delta.Delta, rules *Rules, claims map[string]any) []delta.Delta {
	if rules == nil || len(rules.Buckets) == 0 {
		return deltas
	}
	kept := make([]delta.Delta, 0, len(deltas))
	for _, d := range deltas {
		for _, b := range rules.Buckets {
			if deltaMatchesBucket(d, b, claims) {
				kept = append(kept, d)
				break
			}
		}
	}
	return kept
}

func deltaMatchesBucket(d delta.Delta, b Bucket, claims map[string]any) bool {
	if len(b.Tables) > 0 && !containsString(b.Tables, d.Table) {
		return false
	}
	for _, f := range b.Filters {
		if !filterMatchesDelta(d, f, claims) {
			return false
		}
	}
	return true
}

func filterMatchesDelta(d delta.Delta, f Filter, claims map[string]any) bool {
	var raw json.RawMessage
	found := false
	for _, c := range d.Columns {
		if c.Name == f.Column {
			raw = c.Value
			found = true
			break
		}
	}
	if !found {
		return false
	}
	dv := stringifyValue(raw)

	rv := resolveFilterValue(f.Value, claims)
	if len(rv) == 0 {
		return false
	}

	switch f.Op {
	case "eq", "in":
		return containsString(rv, dv)
	case "neq":
		return !containsString(rv, dv)
	case "gt", "lt", "gte", "lte":
		return compareOrdered(f.Op, dv, rv[0])
	default:
		return false
	}
}

// resolveFilterValue expands a filter value against the claims: a
// "jwt:<claim>" value becomes the claim's values (string claims wrap
// to one element, absent claims to none); anything else is itself.
func resolveFilterValue(v string, claims map[string]any) []string {
	claim, ok := strings.CutPrefix(v, "jwt:")
	if !ok {
		return []string{v}
	}
	switch cv := claims[claim].(type) {
	case string:
		return []string{cv}
	case []string:
		return cv
	case []any:
		out := make([]string, 0, len(cv))
		for _, el := range cv {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// compareOrdered applies an ordering op: numeric when both sides parse
// as finite numbers, plain lexicographic otherwise.
func compareOrdered(op, dv, rv string) bool {
	var cmp int
	dn, derr := strconv.ParseFloat(dv, 64)
	rn, rerr := strconv.ParseFloat(rv, 64)
	if derr == nil && rerr == nil {
		switch {
		case dn < rn:
			cmp = -1
		case dn > rn:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(dv, rv)
	}

	switch op {
	case "gt":
		return cmp > 0
	case "lt":
		return cmp < 0
	case "gte":
		return cmp >= 0
	case "lte":
		return cmp <= 0
	default:
		return false
	}
}

// stringifyValue renders a column value the way the filter language
// sees it: strings lose their quotes, every other JSON value keeps its
// literal text.
func stringifyValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
