package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCategories(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"FirebaseError: PERMISSION_DENIED on /users", CategoryFirebasePermission},
		{"FirebaseError: permission-denied", CategoryFirebasePermission},
		{"Missing or insufficient permissions.", CategoryFirebasePermission},
		{"open /var/log/x: permission denied", CategoryGeneral},
		{"rpc error: permission denied for table", CategoryGeneral},
		{"dial tcp 10.0.0.1:443: connect: connection refused", CategoryNetwork},
		{"network socket closed", CategoryNetwork},
		{"lookup api.example.org: no such host", CategoryNetwork},
		{"Invalid API key supplied", CategoryAPIKey},
		{"websocket: close 1006", CategorySocketConnection},
		{"SyntaxError: Unexpected token < in JSON", CategorySyntax},
		{"TypeError: x.map is not a function", CategoryType},
		{"interface conversion: interface {} is nil, not string", CategoryType},
		{"runtime error: invalid memory address or nil pointer dereference", CategoryReference},
		{"ReferenceError: foo is not defined", CategoryReference},
		{"something odd happened", CategoryGeneral},
		{"", CategoryGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			got := Classify(ErrorEvent{Message: tc.msg})
			assert.Equal(t, tc.want, got.Category)
			assert.True(t, strings.HasPrefix(got.Signature, string(tc.want)+":"), got.Signature)
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	msgs := []string{
		"connection reset by peer",
		"TypeError: cannot read property 'id' of undefined",
		"weird failure 42",
		"",
		strings.Repeat("z", 5000),
	}
	for _, m := range msgs {
		e := ErrorEvent{Kind: "panic", Message: m, SourceFile: "a/b.go"}
		require.Equal(t, Classify(e), Classify(e))
	}
}

func TestClassifyNormalizesVolatileParts(t *testing.T) {
	a := Classify(ErrorEvent{Message: "dial tcp 10.0.0.1:5432: connection refused", SourceFile: "db/pool.go"})
	b := Classify(ErrorEvent{Message: "dial tcp 10.0.0.7:5433:  connection refused", SourceFile: "db/pool.go"})
	assert.Equal(t, a.Signature, b.Signature)

	c := Classify(ErrorEvent{Message: "dial tcp 10.0.0.1:5432: connection refused", SourceFile: "cache/redis.go"})
	assert.NotEqual(t, a.Signature, c.Signature)
}

func TestClassifyGeneralKeepsExactMessage(t *testing.T) {
	a := Classify(ErrorEvent{Message: "job 1 failed"})
	b := Classify(ErrorEvent{Message: "job 2 failed"})
	assert.NotEqual(t, a.Signature, b.Signature)

	upper := Classify(ErrorEvent{Message: "JOB 1 FAILED"})
	assert.Equal(t, a.Signature, upper.Signature)
}

func TestNormalizeMessageCapsLength(t *testing.T) {
	out := normalizeMessage(strings.Repeat("ab ", 500))
	assert.LessOrEqual(t, len([]rune(out)), maxNormalizedRunes)
}
