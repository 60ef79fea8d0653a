package hash

import "testing"

func TestSHA256(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}

	for _, tt := range tests {
		if got := SHA256([]byte(tt.input)); got != tt.want {
			t.Errorf("SHA256(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestSHA256Short(t *testing.T) {
	if got := SHA256Short([]byte("hello"), 8); got != "2cf24dba" {
		t.Errorf("SHA256Short() = %s, want 2cf24dba", got)
	}
	if got := SHA256Short([]byte("hello"), 100); len(got) != 64 {
		t.Errorf("SHA256Short() with large n length = %d, want 64", len(got))
	}
}

func TestRequestKey(t *testing.T) {
	a := RequestKey("filter", []byte(`{"kind":"keyword"}`))
	b := RequestKey("filter", []byte(`{"kind":"keyword"}`))
	if a != b {
		t.Errorf("RequestKey not deterministic: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("RequestKey length = %d, want 16", len(a))
	}

	if RequestKey("filter", []byte("x")) == RequestKey("filterx", nil) {
		t.Error("RequestKey collided across kind/payload boundary")
	}
}

func BenchmarkRequestKey(b *testing.B) {
	payload := []byte(`{"kind":"branches-levels","branches":["core","ui"],"levels":["error"]}`)
	for i := 0; i < b.N; i++ {
		RequestKey("filter", payload)
	}
}
