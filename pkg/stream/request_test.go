package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTcURL(t *testing.T) {
	r := &Request{Schema: "rtmp"}
	require.NoError(t, r.ParseTcURL("rtmp://origin.example.com:19350/live?vhost=show.example.com"))

	require.Equal(t, "rtmp", r.Schema)
	require.Equal(t, "origin.example.com", r.Host)
	require.Equal(t, 19350, r.Port)
	require.Equal(t, "live", r.App)
	require.Equal(t, "show.example.com", r.Vhost)
}

func TestParseTcURLDefaultPort(t *testing.T) {
	r := &Request{}
	require.NoError(t, r.ParseTcURL("rtmp://host/app"))
	require.Equal(t, 1935, r.Port)
	require.Equal(t, "host", r.Vhost)
}

func TestParseStreamWithQuery(t *testing.T) {
	r := NewRequest("rtmp", "host", "live", "")
	r.ParseStream("cam1?vhost=show.example.com&token=abc")

	require.Equal(t, "cam1", r.Stream)
	require.Equal(t, "show.example.com", r.Vhost)
	require.Equal(t, "abc", r.Args["token"])
}

func TestStreamURLUniqueKey(t *testing.T) {
	a := NewRequest("rtmp", "h", "live", "x")
	b := NewRequest("srt", "other", "live", "x")
	b.Vhost = a.Vhost

	require.Equal(t, a.StreamURL(), b.StreamURL())
	require.Equal(t, "h/live/x", a.StreamURL())
}

func TestDefaultVhost(t *testing.T) {
	r := NewRequest("rtmp", "", "live", "x")
	require.Equal(t, DefaultVhost, r.Vhost)
	require.Equal(t, DefaultVhost+"/live/x", r.StreamURL())
}

func TestCopyDetaches(t *testing.T) {
	r := NewRequest("rtmp", "h", "live", "x")
	r.Args = map[string]string{"k": "v"}

	c := r.Copy()
	c.Stream = "y"
	c.Args["k"] = "changed"

	require.Equal(t, "x", r.Stream)
	require.Equal(t, "v", r.Args["k"])
}
