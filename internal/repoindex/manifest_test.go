package repoindex

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/assetstore/internal/asset"
)

func TestParse(t *testing.T) {
	d1 := asset.Of([]byte("one"))
	d2 := asset.Of([]byte("two"))

	entries := Parse([]string{
		d1.String() + " tokens/orc.png",
		"",
		"   ",
		strings.ToUpper(d2.String()) + "\tmaps/cave map.jpg  ",
		"not-a-digest tokens/x.png",
		d1.String()[:31] + " short.png",
		d1.String() + "x glued.png",
		d2.String(),
	})

	assert.Len(t, entries, 2)
	assert.Equal(t, "tokens/orc.png", entries[d1])
	assert.Equal(t, "maps/cave map.jpg", entries[d2])
}

func TestBuildManifestSorted(t *testing.T) {
	entries := Entries{
		asset.Digest("ffffffffffffffffffffffffffffffff"): "z.png",
		asset.Digest("00000000000000000000000000000000"): "a.png",
	}
	got := string(BuildManifest(entries))
	assert.Equal(t,
		"00000000000000000000000000000000 a.png\nffffffffffffffffffffffffffffffff z.png\n",
		got)
	assert.Empty(t, BuildManifest(nil))
}

func TestCompressDecodeRoundTrip(t *testing.T) {
	entries := Entries{asset.Of([]byte("a")): "dir/a b.png"}
	gz, err := Encode(entries)
	require.NoError(t, err)

	lines, err := Decode(gz)
	require.NoError(t, err)
	assert.Equal(t, entries, Parse(lines))

	_, err = Decode([]byte("plain text, not gzip"))
	assert.Error(t, err)
}

func TestParseReader(t *testing.T) {
	d := asset.Of([]byte("x"))
	entries, err := ParseReader(strings.NewReader(d.String() + " x.txt\n"))
	require.NoError(t, err)
	assert.Equal(t, "x.txt", entries[d])
}

func TestManifestStableProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	refGen := gen.Identifier().SuchThat(func(s string) bool { return s != "" })

	properties.Property("parse(build(entries)) == entries", prop.ForAll(
		func(seeds []string, ref string) bool {
			entries := make(Entries, len(seeds))
			for _, s := range seeds {
				entries[asset.Of([]byte(s))] = ref + ".png"
			}
			lines := strings.Split(string(BuildManifest(entries)), "\n")
			parsed := Parse(lines)
			if len(parsed) != len(entries) {
				return false
			}
			for d, r := range entries {
				if parsed[d] != r {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		refGen,
	))

	properties.TestingRun(t)
}
