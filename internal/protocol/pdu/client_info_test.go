package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientInfoRoundtripUnicode(t *testing.T) {
	info := ClientInfo{
		CodePage:       0,
		Flags:          InfoUnicode | InfoAutoLogon | InfoMouse,
		Domain:         "CONTOSO",
		UserName:       "alice",
		Password:       "hunter2",
		AlternateShell: "",
		WorkingDir:     "",
		ExtraInfo:      []byte{0x02, 0x00, 0x00, 0x00},
	}

	var parsed ClientInfo

	require.NoError(t, parsed.Deserialize(bytes.NewReader(info.Serialize())))
	require.Equal(t, info, parsed)
}

func TestClientInfoRoundtripANSI(t *testing.T) {
	info := ClientInfo{
		Flags:    InfoAutoLogon,
		UserName: "bob",
		Password: "secret",
	}

	var parsed ClientInfo

	require.NoError(t, parsed.Deserialize(bytes.NewReader(info.Serialize())))
	require.False(t, parsed.IsUnicode())
	require.Equal(t, "bob", parsed.UserName)
	require.Equal(t, "secret", parsed.Password)
}

func TestClientInfoCredentialRewrite(t *testing.T) {
	original := ClientInfo{
		Flags:    InfoUnicode,
		Domain:   "WORKGROUP",
		UserName: "victim",
		Password: "stolen",
	}

	var info ClientInfo

	require.NoError(t, info.Deserialize(bytes.NewReader(original.Serialize())))

	info.UserName = "administrator"
	info.Password = "correct horse battery staple"

	var parsed ClientInfo

	require.NoError(t, parsed.Deserialize(bytes.NewReader(info.Serialize())))
	require.Equal(t, "administrator", parsed.UserName)
	require.Equal(t, "correct horse battery staple", parsed.Password)
	require.Equal(t, "WORKGROUP", parsed.Domain)
}

func TestClientInfoTruncated(t *testing.T) {
	info := ClientInfo{Flags: InfoUnicode, UserName: "alice"}
	wire := info.Serialize()

	var parsed ClientInfo

	require.Error(t, parsed.Deserialize(bytes.NewReader(wire[:10])))
}
