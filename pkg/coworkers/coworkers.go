// Package coworkers keeps the in-memory directory of published streams
// and answers cluster redirect queries with the origin's address.
package coworkers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/stream"
)

// Dump is the redirect hint returned to a querying edge.
type Dump struct {
	IP      string   `json:"ip"`
	Port    int      `json:"port"`
	Vhost   string   `json:"vhost"`
	API     string   `json:"api"`
	Routers []string `json:"routers"`
}

// Directory maps stream URLs to the latest published request snapshot.
type Directory struct {
	rtmpListen string
	apiListen  string
	coworker   string

	mu      sync.Mutex
	streams map[string]*stream.Request
}

// NewDirectory creates a directory announcing the given listen endpoints.
func NewDirectory(rtmpListen, apiListen, coworker string) *Directory {
	return &Directory{
		rtmpListen: rtmpListen,
		apiListen:  apiListen,
		coworker:   coworker,
		streams:    make(map[string]*stream.Request),
	}
}

// OnSourcePublish implements stream.SourceEventHandler: always keep the
// latest snapshot.
func (d *Directory) OnSourcePublish(req *stream.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[req.StreamURL()] = req.Copy()
}

// OnSourceUnpublish implements stream.SourceEventHandler.
func (d *Directory) OnSourceUnpublish(req *stream.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, req.StreamURL())
}

// Size returns the tracked stream count.
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Dumps answers a redirect query, nil when the stream is unknown here.
// Service ip selection: explicit non-loopback listen host, else the
// coworker-provided host, else a discovered local address.
func (d *Directory) Dumps(vhost, coworker, app, streamName string) *Dump {
	url := fmt.Sprintf("%s/%s/%s", vhost, app, streamName)

	d.mu.Lock()
	req, ok := d.streams[url]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	listenHost, listenPort := splitHostPort(d.rtmpListen, 1935)

	serviceIP := ""
	if listenHost != "" && listenHost != "localhost" && listenHost != "127.0.0.1" && listenHost != "::1" {
		serviceIP = listenHost
	}
	if serviceIP == "" && coworker != "" {
		host, _ := splitHostPort(coworker, 0)
		if host == "" {
			host = coworker
		}
		serviceIP = host
	}
	if serviceIP == "" && d.coworker != "" {
		host, _ := splitHostPort(d.coworker, 0)
		if host == "" {
			host = d.coworker
		}
		serviceIP = host
	}
	if serviceIP == "" {
		serviceIP = localAddress()
	}

	backend := d.apiListen
	if !strings.Contains(backend, ":") || strings.HasPrefix(backend, ":") {
		backend = serviceIP + ":" + strings.TrimPrefix(backend, ":")
	}

	logger.Info("coworker redirect", "vhost", vhost, "path", app+"/"+streamName,
		"ip", serviceIP, "port", listenPort, "api", backend)

	return &Dump{
		IP:      serviceIP,
		Port:    listenPort,
		Vhost:   req.Vhost,
		API:     backend,
		Routers: []string{backend},
	}
}

func splitHostPort(hostport string, defPort int) (string, int) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defPort
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		n = defPort
	}
	return host, n
}

// localAddress discovers a non-loopback address of this host.
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
