package validation

import "testing"

func TestIsValidLink(t *testing.T) {
	tests := []struct {
		name string
		link string
		want bool
	}{
		{name: "https url", link: "https://instagram.com/p/abc123", want: true},
		{name: "http url", link: "http://example.com/video?v=1", want: true},
		{name: "empty", link: "", want: false},
		{name: "no scheme", link: "instagram.com/p/abc123", want: false},
		{name: "wrong scheme", link: "ftp://example.com/file", want: false},
		{name: "scheme only", link: "https://", want: false},
		{name: "plain text", link: "not a url", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidLink(tt.link); got != tt.want {
				t.Fatalf("IsValidLink(%q) = %v, want %v", tt.link, got, tt.want)
			}
		})
	}
}
