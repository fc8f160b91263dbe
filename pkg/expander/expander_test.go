package expander

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/types"
)

func exampleNamespace() *types.Namespace {
	return &types.Namespace{
		Name: "example",
		Hosts: map[string][]string{
			"db1.example.com":  {"db"},
			"db2.example.com":  {"db"},
			"web1.example.com": {"web"},
		},
	}
}

func TestExpandRange(t *testing.T) {
	hosts, err := Expand("foo[1-10].example.com", exampleNamespace())
	require.NoError(t, err)
	require.Len(t, hosts, 10)
	assert.Equal(t, "foo1.example.com", hosts[0])
	assert.Equal(t, "foo10.example.com", hosts[9])
}

func TestExpandRangeWidthFromLowerBound(t *testing.T) {
	hosts, err := Expand("foo[007-010].example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"foo007.example.com", "foo008.example.com", "foo009.example.com", "foo010.example.com"}, hosts)
}

func TestExpandAlternationList(t *testing.T) {
	hosts, err := Expand("foo[1,3,5].example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"foo1.example.com", "foo3.example.com", "foo5.example.com"}, hosts)
}

func TestExpandCommaSeparatedHosts(t *testing.T) {
	hosts, err := Expand("web1.example.com,web2.example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"web1.example.com", "web2.example.com"}, hosts)
}

func TestExpandTagReference(t *testing.T) {
	hosts, err := Expand("%db", exampleNamespace())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db1.example.com", "db2.example.com"}, hosts)
}

func TestExpandUnknownTag(t *testing.T) {
	_, err := Expand("%nope", exampleNamespace())
	assert.Equal(t, pogoerr.UnknownTag, pogoerr.KindOf(err))
}

func TestExpandSetDifference(t *testing.T) {
	hosts, err := Expand("%db - db2.example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"db1.example.com"}, hosts)
}

func TestExpandHyphenatedHostnameNotSplit(t *testing.T) {
	hosts, err := Expand("web-01.example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"web-01.example.com"}, hosts)

	hosts, err = Expand("db[1-2]-sync.example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"db1-sync.example.com", "db2-sync.example.com"}, hosts)
}

func TestExpandDedupPreservesFirstOccurrence(t *testing.T) {
	hosts, err := Expand("web1.example.com,web1.example.com", exampleNamespace())
	require.NoError(t, err)
	assert.Equal(t, []string{"web1.example.com"}, hosts)
}

func TestExpandEmptyExpansionError(t *testing.T) {
	ns := exampleNamespace()
	_, err := Expand("%db - %db", ns)
	assert.Equal(t, pogoerr.InvalidSpec, pogoerr.KindOf(err))
}

func TestExpandUnparseableRange(t *testing.T) {
	_, err := Expand("foo[abc-xyz].example.com", exampleNamespace())
	assert.Equal(t, pogoerr.InvalidSpec, pogoerr.KindOf(err))
}

func TestExpandIsPure(t *testing.T) {
	ns := exampleNamespace()
	a, err := Expand("foo[1-5].example.com,%db", ns)
	require.NoError(t, err)
	b, err := Expand("foo[1-5].example.com,%db", ns)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
