package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Run("trims keys and values", func(t *testing.T) {
		input := map[string]string{
			" gift_message ": " Happy birthday ",
			"tracking_ref":   " TRK-9001 ",
			"blank":          " ",
			" ":              "dropped",
			"":               "dropped",
		}

		expected := map[string]string{
			"gift_message": "Happy birthday",
			"tracking_ref": "TRK-9001",
			"blank":        "",
		}

		actual := NormalizeStringMap(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if NormalizeStringMap(nil) != nil {
			t.Fatalf("expected nil for nil input")
		}
		if NormalizeStringMap(map[string]string{}) != nil {
			t.Fatalf("expected nil for empty map")
		}
		if NormalizeStringMap(map[string]string{"  ": "x"}) != nil {
			t.Fatalf("expected nil when every key trims away")
		}
	})
}
