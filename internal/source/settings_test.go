package source

import "testing"

func TestPropertyString(t *testing.T) {
	for p, want := range map[Property]string{
		PropStreamName:    "stream-name",
		PropAddress:       "address",
		PropLossThreshold: "loss-threshold",
	} {
		if p.String() != want {
			t.Errorf("%d.String() = %q, want %q", p, p.String(), want)
		}
		if p.Mutable() != (p == PropLossThreshold) {
			t.Errorf("%s.Mutable() = %v", p, p.Mutable())
		}
	}
}
