package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseForce(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: "", want: false},
		{in: "true", want: true},
		{in: "True", want: true},
		{in: "1", want: true},
		{in: " yes ", want: true},
		{in: "false", want: false},
		{in: "0", want: false},
		{in: "maybe", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseForce(tt.in))
		})
	}
}

func TestNewAssignsID(t *testing.T) {
	a := New(true, JobTypeGTFSSync)
	b := New(false, "")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Force)
	assert.Equal(t, JobTypeGTFSSync, a.JobType)
}
