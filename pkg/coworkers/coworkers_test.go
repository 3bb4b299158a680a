package coworkers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/stream"
)

func TestDumpsUnknownStream(t *testing.T) {
	d := NewDirectory(":1935", ":8080", "")
	require.Nil(t, d.Dumps("vh", "", "live", "nope"))
}

func TestPublishUnpublishLifecycle(t *testing.T) {
	d := NewDirectory("origin.internal:1935", ":8080", "")

	req := stream.NewRequest("rtmp", "origin.internal", "live", "x")
	d.OnSourcePublish(req)
	require.Equal(t, 1, d.Size())

	dump := d.Dumps(req.Vhost, "", "live", "x")
	require.NotNil(t, dump)
	require.Equal(t, "origin.internal", dump.IP)
	require.Equal(t, 1935, dump.Port)
	require.Equal(t, req.Vhost, dump.Vhost)
	require.NotEmpty(t, dump.Routers)

	d.OnSourceUnpublish(req)
	require.Zero(t, d.Size())
	require.Nil(t, d.Dumps(req.Vhost, "", "live", "x"))
}

func TestRepublishKeepsLatestSnapshot(t *testing.T) {
	d := NewDirectory(":1935", ":8080", "")

	req := stream.NewRequest("rtmp", "h", "live", "x")
	req.Param = "first"
	d.OnSourcePublish(req)

	again := req.Copy()
	again.Param = "second"
	d.OnSourcePublish(again)

	require.Equal(t, 1, d.Size())
}

func TestCoworkerHostFallback(t *testing.T) {
	d := NewDirectory(":1935", ":8080", "")
	req := stream.NewRequest("rtmp", "", "live", "x")
	d.OnSourcePublish(req)

	// The loopback-ish listen host falls back to the caller's coworker
	// hint.
	dump := d.Dumps(req.Vhost, "10.0.0.7:1935", "live", "x")
	require.NotNil(t, dump)
	require.Equal(t, "10.0.0.7", dump.IP)
}
