package sexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	n, err := Parse(`(client_settings:(login_options_data:(vpn_Username_Password:(display_name:"Standard"))) internal_ca_fingerprint:0xdeadbeef)`)
	require.NoError(t, err)
	assert.Equal(t, "client_settings", n.Key)
	lod := n.GetPath("login_options_data")
	require.NotNil(t, lod)
	assert.NotNil(t, lod.Get("vpn_Username_Password"))
	fp := n.Get("internal_ca_fingerprint")
	require.NotNil(t, fp)
	assert.Equal(t, "0xdeadbeef", fp.String())
}

func TestParseEmitFixedPoint(t *testing.T) {
	cases := []string{
		`(authentication_reply:ok)`,
		`(challenge:(prompt:"Enter code" id:1))`,
		`(client_decision_info:needs_password)`,
		`(info:(a:1 b:2 c:(d:"with space")))`,
	}
	for _, c := range cases {
		n1, err := Parse(c)
		require.NoError(t, err)
		out := Emit(n1)
		n2, err := Parse(out)
		require.NoError(t, err)
		assert.Equal(t, Emit(n2), out, "parse.emit.parse must be a fixed point for %q", c)
	}
}

func TestCommentsAndWhitespace(t *testing.T) {
	n, err := Parse(`
		# a comment
		(req: # trailing comment
			foo:1
			bar:2)
	`)
	require.NoError(t, err)
	assert.Equal(t, "req", n.Key)
	assert.Len(t, n.Children, 2)
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	in := `(msg:(known:1 totally_unknown_field:"value" another_unknown:0xff))`
	n, err := Parse(in)
	require.NoError(t, err)
	out := Emit(n)
	n2, err := Parse(out)
	require.NoError(t, err)
	// (msg:(known:1 ...)) nests a list keyed "known" under msg.
	require.NotNil(t, n2.GetPath("known.totally_unknown_field"))
	assert.Equal(t, "value", n2.GetPath("known.totally_unknown_field").String())
	assert.Equal(t, "0xff", n2.GetPath("known.another_unknown").String())
}
