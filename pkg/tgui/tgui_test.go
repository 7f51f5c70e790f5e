package tgui

import "testing"

func TestEscEscapesHTML(t *testing.T) {
	t.Parallel()

	if got := Esc(`<b>&"x"`).String(); got != "&lt;b&gt;&amp;&#34;x&#34;" {
		t.Fatalf("Esc() = %q", got)
	}
}

func TestCodeWrapsEscaped(t *testing.T) {
	t.Parallel()

	if got := Code("a<b").String(); got != "<code>a&lt;b</code>" {
		t.Fatalf("Code() = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "hi", 5, "hi"},
		{"exactly limit", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello…"},
		{"multibyte", "héllo wörld", 5, "héllo…"},
		{"zero", "hi", 0, ""},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncRunes(tt.in, tt.n); got != tt.want {
				t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
