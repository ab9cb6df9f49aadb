package mqttclient

import "testing"

func TestCallIDFromTopic(t *testing.T) {
	cases := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"calls/c1/packets", "c1", true},
		{"calls/abc-123/packets", "abc-123", true},
		{"calls//packets", "", false},
		{"calls/c1/audio", "", false},
		{"other/c1/packets", "", false},
		{"calls/c1", "", false},
		{"calls/c1/packets/extra", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		id, ok := CallIDFromTopic(tc.topic)
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("CallIDFromTopic(%q) = (%q, %v), want (%q, %v)",
				tc.topic, id, ok, tc.wantID, tc.wantOK)
		}
	}
}
