package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpContains = "contains"
	OpGte      = "gte"
	OpLte      = "lte"
	OpExists   = "exists"
)

var operators = map[string]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpNotIn: true,
	OpContains: true, OpGte: true, OpLte: true, OpExists: true,
}

// ItemFields are the item attributes custom feeds can select and filter on.
// "metadata.<key>" addresses a single metadata entry.
var ItemFields = []string{
	"id", "source_id", "external_id", "kind", "indicator_type", "value",
	"normalized_value", "title", "description", "severity", "confidence",
	"tags", "tlp", "first_seen", "last_seen", "content_hash", "sources",
	"seen_count", "is_false_positive",
}

func IsItemField(name string) bool {
	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		return key != ""
	}
	for _, f := range ItemFields {
		if f == name {
			return true
		}
	}
	return false
}

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run returns the items matching the criteria. Items are never modified.
func (f *Filterer) Run(items []Item, criteria Criteria) []Item {
	if len(criteria.Conditions) == 0 {
		return items
	}

	filtered := make([]Item, 0, len(items))
	for _, item := range items {
		if ok, _ := f.Match(item, criteria); ok {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// Match reports whether the item passes and, when it does not, which
// condition rejected it.
func (f *Filterer) Match(item Item, criteria Criteria) (bool, string) {
	matchAny := strings.EqualFold(criteria.Match, "any")

	for _, cond := range criteria.Conditions {
		ok := f.matchCondition(item, cond)
		if matchAny && ok {
			return true, ""
		}
		if !matchAny && !ok {
			return false, fmt.Sprintf("Excluded by %s %s filter", cond.Field, cond.Operator)
		}
	}

	if matchAny && len(criteria.Conditions) > 0 {
		return false, "Excluded: no filter matched"
	}
	return true, ""
}

func (f *Filterer) matchCondition(item Item, cond Condition) bool {
	values, present := FieldValues(item, cond.Field)

	switch cond.Operator {
	case OpExists:
		want := cond.Value == "" || cond.Value == "true"
		return present == want
	case OpEq:
		return containsFold(values, cond.Value)
	case OpNeq:
		return !containsFold(values, cond.Value)
	case OpIn:
		for _, v := range cond.Values {
			if containsFold(values, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range cond.Values {
			if containsFold(values, v) {
				return false
			}
		}
		return true
	case OpContains:
		needle := strings.ToLower(cond.Value)
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
		return false
	case OpGte, OpLte:
		if !present || len(values) == 0 {
			return false
		}
		c, ok := compareField(cond.Field, values[0], cond.Value)
		if !ok {
			return false
		}
		if cond.Operator == OpGte {
			return c >= 0
		}
		return c <= 0
	}
	return false
}

// FieldValues renders an item attribute as strings. List fields yield one
// entry per element. present is false for empty values.
func FieldValues(item Item, field string) (values []string, present bool) {
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, ok := item.Metadata[key]
		if !ok || v == nil {
			return nil, false
		}
		return []string{fmt.Sprint(v)}, true
	}

	var s string
	switch field {
	case "id":
		s = item.ID
	case "source_id":
		s = item.SourceID
	case "external_id":
		s = item.ExternalID
	case "kind":
		s = string(item.Kind)
	case "indicator_type":
		s = string(item.IndicatorType)
	case "value":
		s = item.Value
	case "normalized_value":
		s = item.NormalizedValue
	case "title":
		s = item.Title
	case "description":
		s = item.Description
	case "severity":
		s = string(item.Severity)
	case "confidence":
		return []string{strconv.Itoa(item.Confidence)}, true
	case "tags":
		return item.Tags, len(item.Tags) > 0
	case "tlp":
		s = string(item.TLP)
	case "first_seen":
		if item.FirstSeen.IsZero() {
			return nil, false
		}
		s = item.FirstSeen.UTC().Format(time.RFC3339)
	case "last_seen":
		if item.LastSeen.IsZero() {
			return nil, false
		}
		s = item.LastSeen.UTC().Format(time.RFC3339)
	case "content_hash":
		s = item.ContentHash
	case "sources":
		return item.Sources, len(item.Sources) > 0
	case "seen_count":
		return []string{strconv.Itoa(item.SeenCount)}, true
	case "is_false_positive":
		return []string{strconv.FormatBool(item.IsFalsePositive)}, true
	}

	if s == "" {
		return nil, false
	}
	return []string{s}, true
}

// compareField orders two values of the named field. Severity and TLP use
// their rank, numbers and timestamps their natural order.
func compareField(field, a, b string) (int, bool) {
	switch field {
	case "severity":
		want := Severity(strings.ToLower(b)).Rank()
		return cmpInt(Severity(a).Rank(), want), want > 0
	case "tlp":
		want := TLP(strings.ToLower(b)).Rank()
		return cmpInt(TLP(a).Rank(), want), want > 0
	case "confidence", "seen_count":
		x, err1 := strconv.Atoi(a)
		y, err2 := strconv.Atoi(b)
		return cmpInt(x, y), err1 == nil && err2 == nil
	case "first_seen", "last_seen":
		x, err1 := time.Parse(time.RFC3339, a)
		y, err2 := time.Parse(time.RFC3339, b)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return x.Compare(y), true
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b)), true
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func ValidateCriteria(c Criteria) error {
	switch strings.ToLower(c.Match) {
	case "", "all", "any":
	default:
		return &ValidationError{Field: "filter.match", Reason: fmt.Sprintf("must be 'all' or 'any', got %q", c.Match)}
	}

	for i, cond := range c.Conditions {
		if !IsItemField(cond.Field) {
			return &ValidationError{Field: fmt.Sprintf("filter.conditions[%d].field", i), Reason: fmt.Sprintf("unknown field %q", cond.Field)}
		}
		if !operators[cond.Operator] {
			return &ValidationError{Field: fmt.Sprintf("filter.conditions[%d].operator", i), Reason: fmt.Sprintf("unknown operator %q", cond.Operator)}
		}
		if (cond.Operator == OpIn || cond.Operator == OpNotIn) && len(cond.Values) == 0 {
			return &ValidationError{Field: fmt.Sprintf("filter.conditions[%d].values", i), Reason: "must not be empty"}
		}
	}
	return nil
}
