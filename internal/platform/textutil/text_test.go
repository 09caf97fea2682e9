package textutil

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeReason(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "  Sold out  ", want: "Sold out"},
		{name: "strips markup", input: "<b>Ran out</b> <script>alert(1)</script>of eggs", want: "Ran out of eggs"},
		{name: "collapses whitespace", input: "line one\n\n  line\ttwo", want: "line one line two"},
		{name: "keeps apostrophes", input: "Vendor didn't show", want: "Vendor didn't show"},
		{name: "empty", input: "   ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeReason(tc.input); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestSanitizeReasonTruncates(t *testing.T) {
	input := strings.Repeat("é", MaxReasonLength+20)
	got := SanitizeReason(input)
	if utf8.RuneCountInString(got) != MaxReasonLength {
		t.Fatalf("expected %d runes, got %d", MaxReasonLength, utf8.RuneCountInString(got))
	}
}

func TestNormalizeStringMap(t *testing.T) {
	input := map[string]string{
		" orderId ": " ord_1 ",
		"empty":     " ",
		" ":         "ignored",
	}
	expected := map[string]string{"orderId": "ord_1"}
	if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %#v got %#v", expected, actual)
	}
	if NormalizeStringMap(map[string]string{"": ""}) != nil {
		t.Fatalf("expected nil when every entry is dropped")
	}
}
