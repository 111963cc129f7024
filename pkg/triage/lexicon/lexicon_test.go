package lexicon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGroupAndOwners(t *testing.T) {
	lex := New(false)
	overlaps := lex.AddGroup("Fortinet", []string{"FortiGate", "fortigate", "FortiOS"})
	assert.Empty(t, overlaps)

	assert.Equal(t, []string{"fortinet"}, lex.Owners("FORTIGATE"))
	assert.Equal(t, []string{"fortigate", "fortios"}, lex.Aliases("fortinet"))
	assert.Nil(t, lex.Owners("palo alto"))
}

func TestAddGroupReportsOverlap(t *testing.T) {
	lex := New(false)
	lex.AddGroup("Azure AD", []string{"AAD", "AD"})
	overlaps := lex.AddGroup("Active Directory", []string{"AD"})

	require.Len(t, overlaps, 1)
	assert.Equal(t, "ad", overlaps[0].Alias)
	assert.Equal(t, []string{"azure ad", "active directory"}, overlaps[0].Owners)
	assert.ElementsMatch(t, []string{"azure ad", "active directory"}, lex.Owners("ad"))
	assert.Len(t, lex.Overlaps(), 1)
}

func TestAddGroupReplacesPreviousAliases(t *testing.T) {
	lex := New(false)
	lex.AddGroup("okta", []string{"okta verify"})
	lex.AddGroup("okta", []string{"okta workforce"})

	assert.Nil(t, lex.Owners("okta verify"))
	assert.Equal(t, []string{"okta"}, lex.Owners("okta workforce"))
}

func TestCaseSensitive(t *testing.T) {
	lex := New(true)
	lex.AddGroup("ACE", []string{"ACE Exploit"})

	assert.Equal(t, []string{"ACE"}, lex.Owners("ACE"))
	assert.Nil(t, lex.Owners("ace"))
}

func TestFoldCollapsesWhitespace(t *testing.T) {
	lex := New(false)
	assert.Equal(t, "azure ad", lex.Fold("  Azure \t AD "))
}

func TestMerge(t *testing.T) {
	base := New(false)
	base.AddGroup("ivanti", []string{"pulse secure"})
	extra := New(false)
	extra.AddGroup("ivanti", []string{"connect secure"})

	assert.Empty(t, base.Merge(extra))
	assert.ElementsMatch(t, []string{"pulse secure", "connect secure"}, base.Aliases("ivanti"))
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	content := `groups:
  - canonical: Fortinet
    aliases: [FortiGate, FortiOS]
  - canonical: Azure AD
    aliases: [Entra ID]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	lex, err := LoadFromYAML(path, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"azure ad", "fortinet"}, lex.Canonicals())
	assert.Equal(t, []string{"azure ad"}, lex.Owners("entra id"))
	assert.Equal(t, Stats{Groups: 2, Keys: 5, TotalAliases: 5}, lex.Stats())
}

func TestLoadFromYAMLRejectsEmptyCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("groups:\n  - aliases: [x]\n"), 0o600))

	_, err := LoadFromYAML(path, false)
	assert.Error(t, err)
}
