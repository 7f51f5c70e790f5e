package router

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "plain words",
			in:   "/remind add +45m tea",
			want: []string{"/remind", "add", "+45m", "tea"},
		},
		{
			name: "double quoted token",
			in:   `/remind add 08:30 "standup in #dev"`,
			want: []string{"/remind", "add", "08:30", "standup in #dev"},
		},
		{
			name: "single quoted token",
			in:   "/remind add +5m 'tea time'",
			want: []string{"/remind", "add", "+5m", "tea time"},
		},
		{
			name: "escaped quote",
			in:   `/x say \"hi\"`,
			want: []string{"/x", "say", `"hi"`},
		},
		{
			name: "whitespace collapses",
			in:   "  /a   b\t\tc\n d ",
			want: []string{"/a", "b", "c", "d"},
		},
		{
			name: "empty",
			in:   "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tokenizeCommandLine(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"a", "--k=v", "--key", "val", "--on", "-x=1", "-f", "2", "-abc", "b"})

	if want := []string{"a", "b"}; !reflect.DeepEqual(pos, want) {
		t.Fatalf("pos = %#v, want %#v", pos, want)
	}
	wantFlags := map[string]string{"k": "v", "key": "val", "x": "1", "f": "2"}
	if !reflect.DeepEqual(flags, wantFlags) {
		t.Fatalf("flags = %#v, want %#v", flags, wantFlags)
	}
	wantBools := map[string]bool{"on": true, "a": true, "b": true, "c": true}
	if !reflect.DeepEqual(bools, wantBools) {
		t.Fatalf("bools = %#v, want %#v", bools, wantBools)
	}
}

func TestParseFlagsKeepsPlusTokens(t *testing.T) {
	t.Parallel()

	pos, _, _ := parseFlags([]string{"+45m", "tea"})
	if want := []string{"+45m", "tea"}; !reflect.DeepEqual(pos, want) {
		t.Fatalf("pos = %#v, want %#v", pos, want)
	}
}
