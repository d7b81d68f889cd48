package optional

import "testing"

func TestValue(t *testing.T) {
	type testcase struct {
		name        string
		value       Value[string]
		expectEmpty bool
		expectValue string
	}

	cases := []testcase{{
		name:        "None",
		value:       None[string](),
		expectEmpty: true,
		expectValue: "",
	}, {
		name:        "Some",
		value:       Some("capture.pcap"),
		expectEmpty: false,
		expectValue: "capture.pcap",
	}, {
		name:        "Some with the zero value",
		value:       Some(""),
		expectEmpty: false,
		expectValue: "",
	}, {
		name:        "FromFlag with the zero value",
		value:       FromFlag(""),
		expectEmpty: true,
		expectValue: "",
	}, {
		name:        "FromFlag with a value",
		value:       FromFlag("config.yaml"),
		expectEmpty: false,
		expectValue: "config.yaml",
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value.Empty() != tc.expectEmpty {
				t.Fatal("unexpected Empty result")
			}
			got, good := tc.value.Get()
			if good == tc.expectEmpty {
				t.Fatal("unexpected Get result")
			}
			if good && got != tc.expectValue {
				t.Fatal("unexpected value", got)
			}
		})
	}
}
