package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps pageSize so a single request cannot drain a collection.
	DefaultMaxPageSize = 100

	maxFilterValueLength = 512
)

// Operator enumerates the comparison operators the filter grammar accepts.
type Operator string

const (
	OperatorEqual         Operator = "=="
	OperatorGreaterThan   Operator = ">"
	OperatorLessThan      Operator = "<"
	OperatorGreaterEqual  Operator = ">="
	OperatorLessEqual     Operator = "<="
	OperatorArrayContains Operator = "array-contains"
)

// operatorScanOrder puts longer tokens first so ">=" is never read as ">".
var operatorScanOrder = []Operator{
	OperatorArrayContains,
	OperatorGreaterEqual,
	OperatorLessEqual,
	OperatorEqual,
	OperatorGreaterThan,
	OperatorLessThan,
}

func knownOperator(op Operator) bool {
	for _, candidate := range operatorScanOrder {
		if candidate == op {
			return true
		}
	}
	return false
}

// Order is a single orderBy clause.
type Order struct {
	Field string
	Desc  bool
}

// Filter is a single predicate parsed from a filter query parameter.
type Filter struct {
	Field string
	Op    Operator
	Value string
}

// Params carries the pagination, ordering, and filter values of a list request.
// PageToken stays opaque here; each repository owns its cursor encoding.
type Params struct {
	PageSize  int
	PageToken string
	Orders    []Order
	Filters   []Filter
}

// Options declare what a specific list endpoint permits.
type Options struct {
	DefaultPageSize     int
	MaxPageSize         int
	AllowedOrderFields  []string
	AllowedFilterFields map[string][]Operator
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidOrderBy   = errors.New("pagination: invalid orderBy")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the pagination query parameters of r.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse validates and normalises the supported query parameters: pageSize,
// pageToken, orderBy, and filter.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	pageSize, err := clampPageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		if err := checkTokenShape(token); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}

	if params.Orders, err = parseOrderBy(values["orderBy"], opts.AllowedOrderFields); err != nil {
		return Params{}, err
	}
	if params.Filters, err = parseFilterList(values["filter"], opts.AllowedFilterFields); err != nil {
		return Params{}, err
	}

	return params, nil
}

// checkTokenShape rejects tokens that cannot have come from one of our
// repositories. Every repository emits URL-safe base64 over a JSON document.
func checkTokenShape(token string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if !json.Valid(decoded) {
		return fmt.Errorf("%w: malformed cursor", ErrInvalidPageToken)
	}
	return nil
}

func clampPageSize(raw string, opts Options) (int, error) {
	ceiling := opts.MaxPageSize
	if ceiling <= 0 {
		ceiling = DefaultMaxPageSize
	}
	fallback := opts.DefaultPageSize
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if fallback > ceiling {
		fallback = ceiling
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if size > ceiling {
		size = ceiling
	}
	return size, nil
}

// parseOrderBy accepts comma-separated clauses of the form "field",
// "field asc", "field desc", or the colon spelling "field:desc". Duplicate
// clauses collapse to the first occurrence.
func parseOrderBy(raw []string, allowed []string) ([]Order, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: ordering not supported", ErrInvalidOrderBy)
	}

	permitted := make(map[string]bool, len(allowed))
	for _, field := range allowed {
		if field != "" {
			permitted[field] = true
		}
	}

	var orders []Order
	seen := make(map[string]bool)

	for _, value := range raw {
		for _, clause := range strings.Split(value, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}

			order, err := parseOrderClause(clause)
			if err != nil {
				return nil, err
			}
			if !permitted[order.Field] {
				return nil, fmt.Errorf("%w: field %q is not allowed", ErrInvalidOrderBy, order.Field)
			}

			key := fmt.Sprintf("%s/%v", order.Field, order.Desc)
			if seen[key] {
				continue
			}
			seen[key] = true
			orders = append(orders, order)
		}
	}

	return orders, nil
}

func parseOrderClause(clause string) (Order, error) {
	if strings.Contains(clause, ":") && !strings.Contains(clause, " ") {
		clause = strings.ReplaceAll(clause, ":", " ")
	}

	parts := strings.Fields(clause)
	switch len(parts) {
	case 0:
		return Order{}, fmt.Errorf("%w: empty orderBy value", ErrInvalidOrderBy)
	case 1, 2:
	default:
		return Order{}, fmt.Errorf("%w: invalid orderBy format %q", ErrInvalidOrderBy, clause)
	}

	order := Order{Field: parts[0]}
	if !validFieldName(order.Field) {
		return Order{}, fmt.Errorf("%w: invalid field %q", ErrInvalidOrderBy, order.Field)
	}

	if len(parts) == 2 {
		switch strings.ToLower(parts[1]) {
		case "asc":
		case "desc":
			order.Desc = true
		default:
			return Order{}, fmt.Errorf("%w: invalid direction %q", ErrInvalidOrderBy, parts[1])
		}
	}
	return order, nil
}

func parseFilterList(raw []string, allowed map[string][]Operator) ([]Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	rules := buildFilterRules(allowed)
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: filtering not supported", ErrInvalidFilter)
	}

	filters := make([]Filter, 0, len(raw))
	for _, value := range raw {
		if strings.TrimSpace(value) == "" {
			continue
		}

		filter, err := parseFilterExpr(value)
		if err != nil {
			return nil, err
		}

		ops, ok := rules[filter.Field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not allowed", ErrInvalidFilter, filter.Field)
		}
		if !ops[filter.Op] {
			return nil, fmt.Errorf("%w: operator %q is not allowed for field %q", ErrInvalidFilter, filter.Op, filter.Field)
		}
		filters = append(filters, filter)
	}

	return filters, nil
}

// buildFilterRules turns the per-field operator lists into lookup sets. A field
// declared with no operators accepts every operator.
func buildFilterRules(allowed map[string][]Operator) map[string]map[Operator]bool {
	rules := make(map[string]map[Operator]bool, len(allowed))
	for field, ops := range allowed {
		if !validFieldName(field) {
			continue
		}
		set := make(map[Operator]bool)
		for _, op := range ops {
			if knownOperator(op) {
				set[op] = true
			}
		}
		if len(set) == 0 {
			for _, op := range operatorScanOrder {
				set[op] = true
			}
		}
		rules[field] = set
	}
	return rules
}

func parseFilterExpr(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Filter{}, fmt.Errorf("%w: empty filter value", ErrInvalidFilter)
	}

	for _, op := range operatorScanOrder {
		idx := strings.Index(raw, string(op))
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(raw[:idx])
		value := strings.TrimSpace(raw[idx+len(op):])
		if field == "" || value == "" {
			continue
		}
		if !validFieldName(field) {
			return Filter{}, fmt.Errorf("%w: invalid field %q", ErrInvalidFilter, field)
		}
		value = scrubFilterValue(value)
		if value == "" {
			return Filter{}, fmt.Errorf("%w: empty value for field %q", ErrInvalidFilter, field)
		}
		return Filter{Field: field, Op: op, Value: value}, nil
	}

	return Filter{}, fmt.Errorf("%w: missing operator in %q", ErrInvalidFilter, raw)
}

// scrubFilterValue strips quoting and line breaks and bounds the length, since
// filter values end up in Firestore queries and log lines.
func scrubFilterValue(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "\"'")
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > maxFilterValueLength {
		value = value[:maxFilterValueLength]
	}
	return value
}

func validFieldName(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
