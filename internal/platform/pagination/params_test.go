package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

var auditListOptions = Options{
	DefaultPageSize:    50,
	MaxPageSize:        200,
	AllowedOrderFields: []string{"createdAt", "actor"},
	AllowedFilterFields: map[string][]Operator{
		"actor":      {OperatorEqual},
		"action":     {OperatorEqual},
		"target_ref": {OperatorEqual},
		"quantity":   nil,
	},
}

func auditToken(t *testing.T, payload string) string {
	t.Helper()
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func TestParseAppliesDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || params.Orders != nil || params.Filters != nil {
		t.Fatalf("expected empty params, got %#v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		opts    Options
		want    int
		wantErr error
	}{
		{name: "explicit", raw: "25", opts: auditListOptions, want: 25},
		{name: "clamped to max", raw: "999", opts: auditListOptions, want: 200},
		{name: "default max applies", raw: "150", opts: Options{}, want: DefaultMaxPageSize},
		{name: "zero rejected", raw: "0", opts: auditListOptions, wantErr: ErrInvalidPageSize},
		{name: "negative rejected", raw: "-5", opts: auditListOptions, wantErr: ErrInvalidPageSize},
		{name: "garbage rejected", raw: "fifty", opts: auditListOptions, wantErr: ErrInvalidPageSize},
		{name: "default exceeding max is clamped", raw: "", opts: Options{DefaultPageSize: 500, MaxPageSize: 20}, want: 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := url.Values{}
			if tc.raw != "" {
				values.Set("pageSize", tc.raw)
			}
			params, err := Parse(values, tc.opts)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if params.PageSize != tc.want {
				t.Fatalf("expected page size %d, got %d", tc.want, params.PageSize)
			}
		})
	}
}

func TestParseCarriesWellFormedToken(t *testing.T) {
	token := auditToken(t, `{"createdAt":"2025-03-14T09:30:00Z","id":"aud_01HZ"}`)
	values := url.Values{"pageToken": {token}}

	params, err := Parse(values, auditListOptions)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected token to pass through opaquely, got %q", params.PageToken)
	}
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, token := range []string{
		"not/base64!",
		auditToken(t, `{"createdAt":`),
	} {
		_, err := Parse(url.Values{"pageToken": {token}}, auditListOptions)
		if !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("token %q: expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}

func TestParseOrderBy(t *testing.T) {
	values := url.Values{"orderBy": {"createdAt desc, actor", "createdAt:desc"}}

	params, err := Parse(values, auditListOptions)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(params.Orders) != 2 {
		t.Fatalf("expected duplicate clause collapsed, got %#v", params.Orders)
	}
	if params.Orders[0] != (Order{Field: "createdAt", Desc: true}) {
		t.Fatalf("unexpected first order %#v", params.Orders[0])
	}
	if params.Orders[1] != (Order{Field: "actor"}) {
		t.Fatalf("unexpected second order %#v", params.Orders[1])
	}
}

func TestParseOrderByRejections(t *testing.T) {
	cases := []struct {
		name   string
		clause string
		opts   Options
	}{
		{name: "unknown field", clause: "ipHash desc", opts: auditListOptions},
		{name: "bad direction", clause: "createdAt upward", opts: auditListOptions},
		{name: "too many segments", clause: "createdAt desc nulls", opts: auditListOptions},
		{name: "hostile field name", clause: "created-at;drop", opts: auditListOptions},
		{name: "ordering unsupported", clause: "createdAt", opts: Options{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(url.Values{"orderBy": {tc.clause}}, tc.opts)
			if !errors.Is(err, ErrInvalidOrderBy) {
				t.Fatalf("expected ErrInvalidOrderBy, got %v", err)
			}
		})
	}
}

func TestParseFilters(t *testing.T) {
	values := url.Values{"filter": {
		"actor==usr_01HZ7Q",
		`action=="order.cancelled"`,
		"quantity>=5",
	}}

	params, err := Parse(values, auditListOptions)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(params.Filters) != 3 {
		t.Fatalf("expected 3 filters, got %#v", params.Filters)
	}
	if params.Filters[0] != (Filter{Field: "actor", Op: OperatorEqual, Value: "usr_01HZ7Q"}) {
		t.Fatalf("unexpected actor filter %#v", params.Filters[0])
	}
	if params.Filters[1].Value != "order.cancelled" {
		t.Fatalf("expected quotes stripped, got %q", params.Filters[1].Value)
	}
	if params.Filters[2] != (Filter{Field: "quantity", Op: OperatorGreaterEqual, Value: "5"}) {
		t.Fatalf("expected >= parsed before >, got %#v", params.Filters[2])
	}
}

func TestParseFilterRejections(t *testing.T) {
	cases := []struct {
		name string
		expr string
		opts Options
	}{
		{name: "unknown field", expr: "ipHash==abc", opts: auditListOptions},
		{name: "operator not allowed for field", expr: "actor>=usr_01", opts: auditListOptions},
		{name: "no operator", expr: "actor usr_01", opts: auditListOptions},
		{name: "filtering unsupported", expr: "actor==usr_01", opts: Options{AllowedOrderFields: []string{"createdAt"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(url.Values{"filter": {tc.expr}}, tc.opts)
			if !errors.Is(err, ErrInvalidFilter) {
				t.Fatalf("expected ErrInvalidFilter, got %v", err)
			}
		})
	}
}

func TestParseFilterScrubsValue(t *testing.T) {
	long := strings.Repeat("v", maxFilterValueLength+50)
	values := url.Values{"filter": {"target_ref==orders/ord_01\nHZ", "actor==" + long}}

	params, err := Parse(values, auditListOptions)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if strings.Contains(params.Filters[0].Value, "\n") {
		t.Fatalf("expected newline removed, got %q", params.Filters[0].Value)
	}
	if len(params.Filters[1].Value) != maxFilterValueLength {
		t.Fatalf("expected value bounded to %d, got %d", maxFilterValueLength, len(params.Filters[1].Value))
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/internal/audit-logs?pageSize=10&filter=action==order.placed", nil)

	params, err := FromRequest(req, auditListOptions)
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", params.PageSize)
	}
	if len(params.Filters) != 1 || params.Filters[0].Field != "action" {
		t.Fatalf("unexpected filters %#v", params.Filters)
	}

	if _, err := FromRequest(nil, auditListOptions); err == nil {
		t.Fatal("expected error for nil request")
	}
}
