package web100

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Variables
	}{
		{
			name: "typed-values",
			in:   "avgrtt: 12.5 loss: 0.02 MSSSent: 1460 DataBytesOut: 987654321",
			want: &Variables{
				Int:    map[string]int{"MSSSent": 1460},
				Long:   map[string]int64{"DataBytesOut": 987654321},
				Double: map[string]float64{"avgrtt": 12.5, "loss": 0.02},
			},
		},
		{
			name: "unknown-keys-dropped",
			in:   "foo: bar avgrtt: 10",
			want: &Variables{
				Int:    map[string]int{},
				Long:   map[string]int64{},
				Double: map[string]float64{"avgrtt": 10},
			},
		},
		{
			name: "bad-values-are-minus-one",
			in:   "CurMSS: 4294967295 DataBytesOut: lots spd: fast",
			want: &Variables{
				Int:    map[string]int{"CurMSS": -1},
				Long:   map[string]int64{"DataBytesOut": -1},
				Double: map[string]float64{"spd": -1},
			},
		},
		{
			name: "lines-and-trailing-key",
			in:   "SumRTT: 120\nCountRTT: 4\n\tMaxRTT: 33.0\nMinRTT:",
			want: &Variables{
				Int:    map[string]int{"SumRTT": 120, "CountRTT": 4, "MaxRTT": 33},
				Long:   map[string]int64{},
				Double: map[string]float64{},
			},
		},
		{
			name: "empty",
			in:   "",
			want: NewVariables(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVariablesAccessors(t *testing.T) {
	v := Parse("avgrtt: 1.5 CurMSS: 1448 DataBytesOut: 10")
	if !v.Has("avgrtt") || !v.Has("CurMSS") || !v.Has("DataBytesOut") || v.Has("loss") {
		t.Error("Has() is wrong")
	}
	if v.GetDouble("avgrtt") != 1.5 || v.GetInt("CurMSS") != 1448 || v.GetLong("DataBytesOut") != 10 {
		t.Errorf("bad getters on %+v", v)
	}
	if v.Len() != 3 {
		t.Errorf("Len() = %d", v.Len())
	}
	if v.Set("nope:", "1") {
		t.Error("Set() on an unknown key should report false")
	}
	if k, ok := KindOf("DataBytesOut"); !ok || k != Long {
		t.Error("DataBytesOut should be Long")
	}
	if len(kinds) < 60 {
		t.Errorf("only %d known variables", len(kinds))
	}
}
