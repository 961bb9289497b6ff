package extref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     Reference
		complete bool
	}{
		{
			name:     "domain and remote id",
			raw:      "https://acme.hr.example.com|123",
			want:     Reference{Domain: "https://acme.hr.example.com", RemoteID: "123"},
			complete: true,
		},
		{
			name:     "trailing slash on domain",
			raw:      "https://acme.hr.example.com/|42",
			want:     Reference{Domain: "https://acme.hr.example.com", RemoteID: "42"},
			complete: true,
		},
		{
			name: "empty domain",
			raw:  "|123",
			want: Reference{RemoteID: "123"},
		},
		{
			name: "empty remote id",
			raw:  "https://acme.hr.example.com|",
			want: Reference{Domain: "https://acme.hr.example.com"},
		},
		{
			name: "no separator",
			raw:  "https://acme.hr.example.com",
			want: Reference{Domain: "https://acme.hr.example.com"},
		},
		{
			name: "empty string",
			raw:  "",
			want: Reference{},
		},
		{
			name:     "remote id containing separator",
			raw:      "https://a.example.com|x|y",
			want:     Reference{Domain: "https://a.example.com", RemoteID: "x|y"},
			complete: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.complete, got.IsComplete())
		})
	}
}

func TestReference_String(t *testing.T) {
	assert.Equal(t, "https://a.example.com|7", New("https://a.example.com/", " 7 ").String())
	assert.Equal(t, "|7", New("", "7").String())
	assert.Equal(t, "", Reference{}.String())

	ref := New("https://a.example.com", "99")
	assert.Equal(t, ref, Parse(ref.String()))
}
