// Package stream defines stream identity, shared media packets, and the
// live source hub that fans publisher frames out to consumers and bridges.
package stream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultVhost is the logical namespace used when a client names none.
const DefaultVhost = "__defaultVhost__"

// Request identifies one stream: vhost/app/stream is the unique key.
type Request struct {
	Schema string
	Host   string
	Vhost  string
	App    string
	Stream string
	Port   int
	// Param is the raw query string, kept for edge auth and session keys.
	Param string
	Args  map[string]string
}

// NewRequest creates a request with the vhost defaulted from the host.
func NewRequest(schema, host, app, stream string) *Request {
	vhost := host
	if vhost == "" {
		vhost = DefaultVhost
	}
	return &Request{Schema: schema, Host: host, Vhost: vhost, App: app, Stream: stream}
}

// Copy detaches the request from caller-scoped buffers.
func (r *Request) Copy() *Request {
	c := *r
	if r.Args != nil {
		c.Args = make(map[string]string, len(r.Args))
		for k, v := range r.Args {
			c.Args[k] = v
		}
	}
	return &c
}

// StreamURL returns the vhost/app/stream key of the source.
func (r *Request) StreamURL() string {
	vhost := r.Vhost
	if vhost == "" {
		vhost = DefaultVhost
	}
	return fmt.Sprintf("%s/%s/%s", vhost, r.App, r.Stream)
}

// String describes the request for logging.
func (r *Request) String() string {
	return fmt.Sprintf("%s://%s:%d/%s/%s vhost=%s", r.Schema, r.Host, r.Port, r.App, r.Stream, r.Vhost)
}

// ParseTcURL fills schema/host/port/app from an RTMP tcUrl such as
// rtmp://host:1935/app?vhost=x.
func (r *Request) ParseTcURL(tcURL string) error {
	u, err := url.Parse(tcURL)
	if err != nil {
		return fmt.Errorf("parse tcUrl %q: %w", tcURL, err)
	}

	r.Schema = u.Scheme
	r.Host = u.Hostname()
	r.Vhost = r.Host
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			r.Port = n
		}
	} else if r.Schema == "rtmp" {
		r.Port = 1935
	}
	r.App = strings.TrimPrefix(u.Path, "/")
	r.Param = u.RawQuery

	r.applyParams(u.Query())
	return nil
}

// ParseStream splits a published stream name that may carry a query, such
// as "livestream?vhost=show.example.com&token=x".
func (r *Request) ParseStream(name string) {
	r.Stream = name
	if i := strings.IndexAny(name, "?"); i >= 0 {
		r.Stream = name[:i]
		if r.Param != "" {
			r.Param += "&"
		}
		r.Param += name[i+1:]
		if q, err := url.ParseQuery(name[i+1:]); err == nil {
			r.applyParams(q)
		}
	}
}

func (r *Request) applyParams(q url.Values) {
	if v := q.Get("vhost"); v != "" {
		r.Vhost = v
	}
	for k := range q {
		if r.Args == nil {
			r.Args = make(map[string]string)
		}
		r.Args[k] = q.Get(k)
	}
}
