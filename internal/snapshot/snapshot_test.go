package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	got := Canonicalize(map[string]string{"b": "2", "a": "1", "a.b": "x"})
	require.Equal(t, "a=1\na.b=x\nb=2\n", got)
}

func TestHashIsOrderIndependent(t *testing.T) {
	m1 := map[string]string{}
	m2 := map[string]string{}
	keys := []string{"server.port", "db.url", "feature.flag", "a", "z"}
	for i, k := range keys {
		m1[k] = k + "-v"
		m2[keys[len(keys)-1-i]] = keys[len(keys)-1-i] + "-v"
	}
	require.Equal(t, HashValues(m1), HashValues(m2))
}

func TestHashChangesOnAnyEdit(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	h := HashValues(base)
	require.Len(t, h, 64)

	changedValue := map[string]string{"a": "1", "b": "3"}
	require.NotEqual(t, h, HashValues(changedValue))

	changedKey := map[string]string{"a": "1", "c": "2"}
	require.NotEqual(t, h, HashValues(changedKey))

	extra := map[string]string{"a": "1", "b": "2", "c": ""}
	require.NotEqual(t, h, HashValues(extra))
}

func TestEmptyConfigHash(t *testing.T) {
	// sha256 of the empty string
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashValues(nil))
}

func TestNewSnapshot(t *testing.T) {
	s := New(Source{Application: "billing", Profile: "prod"}, map[string]string{"x": "1"})
	require.Equal(t, "x=1\n", s.Canonical)
	require.Equal(t, Hash("x=1\n"), s.Hash)
}

func TestParseDocumentFlattens(t *testing.T) {
	doc := []byte(`
server:
  port: 8080
  hosts: [a, b]
feature:
  enabled: true
empty: {}
`)
	got, err := ParseDocument(doc)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"server.port":     "8080",
		"server.hosts[0]": "a",
		"server.hosts[1]": "b",
		"feature.enabled": "true",
		"empty":           "",
	}, got)
}

func TestParseProperties(t *testing.T) {
	got, err := ParseProperties([]byte("# comment\na=1\nb : two\n\n! bang\n"))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "two"}, got)

	_, err = ParseProperties([]byte("novalue\n"))
	require.Error(t, err)
}

func TestParseFileRejectsUnknownExtension(t *testing.T) {
	_, err := ParseFile("config.toml", []byte("a=1"))
	require.Error(t, err)
	got, err := ParseFile("app.JSON", []byte(`{"a":{"b":1}}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.b": "1"}, got)
}
