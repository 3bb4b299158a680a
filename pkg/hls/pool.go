package hls

import (
	"sync"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/stream"
)

// MuxerPool keeps one muxer per stream URL so segment numbering and the
// on-disk window survive republishes.
type MuxerPool struct {
	cfg config.HLSConfig

	mu     sync.Mutex
	muxers map[string]*Muxer
}

// NewMuxerPool creates an empty pool.
func NewMuxerPool(cfg config.HLSConfig) *MuxerPool {
	return &MuxerPool{cfg: cfg, muxers: make(map[string]*Muxer)}
}

// FetchOrCreate returns the muxer for the request's stream URL.
func (p *MuxerPool) FetchOrCreate(req *stream.Request) *Muxer {
	p.mu.Lock()
	defer p.mu.Unlock()
	url := req.StreamURL()
	if m, ok := p.muxers[url]; ok {
		return m
	}
	m := NewMuxer(req, p.cfg)
	p.muxers[url] = m
	return m
}

// Dispose removes every muxer and its files.
func (p *MuxerPool) Dispose() {
	p.mu.Lock()
	muxers := p.muxers
	p.muxers = make(map[string]*Muxer)
	p.mu.Unlock()

	for _, m := range muxers {
		m.Dispose()
	}
}
