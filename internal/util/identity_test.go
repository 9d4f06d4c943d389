package util

import "testing"

func TestNormalizeIdentity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://tiles.example.com/0/0/0.png", "tiles.example.com/0/0/0.png"},
		{"http://tiles.example.com/0/0/0.png", "tiles.example.com/0/0/0.png"},
		{"https://Tiles.Example.COM/Z/X/Y.png", "tiles.example.com/Z/X/Y.png"},
		{"https://tiles.example.com/", "tiles.example.com"},
		{"tiles.example.com", "tiles.example.com"},
	}
	for _, c := range cases {
		if got := NormalizeIdentity(c.in); got != c.want {
			t.Fatalf("NormalizeIdentity(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdentityEqualForSchemeVariants(t *testing.T) {
	t.Parallel()

	a := NormalizeIdentity("https://tiles.example.com/1/2/3.png")
	b := NormalizeIdentity("http://tiles.example.com/1/2/3.png")
	if a != b {
		t.Fatalf("expected scheme variants to normalize identically: %q vs %q", a, b)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	if got := HostOf("tiles.example.com/0/0/0.png"); got != "tiles.example.com" {
		t.Fatalf("HostOf path form = %q", got)
	}
	if got := HostOf("tiles.example.com:8443/0/0/0.png"); got != "tiles.example.com" {
		t.Fatalf("HostOf port form = %q", got)
	}
	if got := HostOf("tiles.example.com"); got != "tiles.example.com" {
		t.Fatalf("HostOf bare form = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	got := SanitizeFilename("tiles.example.com/0/0/0.png")
	if got != "tiles.example.com_0_0_0.png" {
		t.Fatalf("unexpected sanitized name: %q", got)
	}
}
