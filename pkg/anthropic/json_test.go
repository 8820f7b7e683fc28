package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"approval": true}`, `{"approval": true}`},
		{"json fence", "```json\n{\"approval\": true}\n```", `{"approval": true}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding prose", `Here is the result: {"a": 1} as requested.`, `{"a": 1}`},
		{"whitespace", "  \n{\"a\": 1}\n  ", `{"a": 1}`},
		{"no object", "no json here", "no json here"},
		{"nested braces", `{"outer": {"inner": 1}}`, `{"outer": {"inner": 1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanJSON(tc.in))
		})
	}
}
