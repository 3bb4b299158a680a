package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
)

// Errors surfaced by sources and consumers.
var (
	// ErrStreamEOF is observed by consumers when the source unpublishes.
	ErrStreamEOF = errors.New("stream EOF")
	// ErrConsumerOverflow means a subscriber queue exceeded its bounds;
	// the consumer is dropped, never the source.
	ErrConsumerOverflow = errors.New("consumer queue overflow")
	// ErrSourceBusy means the source already has a publisher.
	ErrSourceBusy = errors.New("source already publishing")
)

// FrameTarget receives shared media packets.
type FrameTarget interface {
	OnFrame(pkt *MediaPacket) error
}

// Bridge adapts the live domain to another protocol domain. OnPublish and
// OnUnpublish are paired per source lifecycle; Initialize runs before
// either.
type Bridge interface {
	FrameTarget
	Initialize(r *Request) error
	OnPublish() error
	OnUnpublish()
}

// ConsumerConfig bounds a subscriber queue.
type ConsumerConfig struct {
	MaxPackets  int
	MaxDuration time.Duration
}

// DefaultConsumerConfig is used when the source has no explicit bounds.
var DefaultConsumerConfig = ConsumerConfig{MaxPackets: 512, MaxDuration: 30 * time.Second}

// gopCacheMax bounds the cached GOP for keyframe-less streams.
const gopCacheMax = 2048

// LiveSource is the server-side representation of one logical stream in
// the RTMP/FLV frame domain: a single publisher entry point fanning frames
// out to consumers and bridges, with the codec headers cached so a
// consumer attaching mid-stream starts decoding immediately.
type LiveSource struct {
	req *Request

	mu           sync.Mutex
	publisherCid coro.ContextId
	active       bool
	consumers    []*Consumer
	bridge       Bridge

	metaCache    *MediaPacket
	audioSeqHdr  *MediaPacket
	videoSeqHdr  *MediaPacket
	lastTimestmp int64

	// gopCache holds the frames since the last keyframe so a consumer
	// attaching mid-GOP can decode immediately.
	gopCache []*MediaPacket

	consumerCfg ConsumerConfig
	createdAt   time.Time

	// Handlers observing publish/unpublish, such as the coworkers
	// directory.
	handlers []SourceEventHandler
}

// SourceEventHandler observes publish edges on a source.
type SourceEventHandler interface {
	OnSourcePublish(req *Request)
	OnSourceUnpublish(req *Request)
}

func newLiveSource(req *Request, cfg ConsumerConfig) *LiveSource {
	return &LiveSource{
		req:         req.Copy(),
		consumerCfg: cfg,
		createdAt:   time.Now(),
	}
}

// Request returns the identity this source was created for.
func (s *LiveSource) Request() *Request { return s.req }

// SetBridge installs the bridge invoked synchronously before consumers.
// Must be set before OnPublish.
func (s *LiveSource) SetBridge(b Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Subscribe adds a publish-edge observer; subscribing twice is a no-op.
func (s *LiveSource) Subscribe(h SourceEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers {
		if existing == h {
			return
		}
	}
	s.handlers = append(s.handlers, h)
}

// PublisherCid returns the current publisher's context id for diagnostics.
func (s *LiveSource) PublisherCid() coro.ContextId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisherCid
}

// Active reports whether a publisher is attached.
func (s *LiveSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnPublish marks the source publishing. The caller must hold the publish
// token for this stream URL already.
func (s *LiveSource) OnPublish(cid coro.ContextId) error {
	s.mu.Lock()
	if s.active {
		url := s.req.StreamURL()
		s.mu.Unlock()
		return fmt.Errorf("source %s: %w", url, ErrSourceBusy)
	}
	s.active = true
	s.publisherCid = cid
	bridge := s.bridge
	handlers := append([]SourceEventHandler(nil), s.handlers...)
	s.mu.Unlock()

	if bridge != nil {
		if err := bridge.OnPublish(); err != nil {
			return fmt.Errorf("bridge publish: %w", err)
		}
	}

	for _, h := range handlers {
		h.OnSourcePublish(s.req)
	}

	logger.Info("source publish", "url", s.req.StreamURL(), "cid", cid.String())
	return nil
}

// OnUnpublish clears the publisher, resets the header cache so the next
// publisher starts fresh, and wakes every consumer with EOF.
func (s *LiveSource) OnUnpublish() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	cid := s.publisherCid
	s.publisherCid = coro.ContextId{}
	s.metaCache, s.audioSeqHdr, s.videoSeqHdr = nil, nil, nil
	s.gopCache = nil
	s.lastTimestmp = 0
	consumers := append([]*Consumer(nil), s.consumers...)
	bridge := s.bridge
	handlers := append([]SourceEventHandler(nil), s.handlers...)
	s.mu.Unlock()

	if bridge != nil {
		bridge.OnUnpublish()
	}

	for _, c := range consumers {
		c.onUnpublish()
	}

	for _, h := range handlers {
		h.OnSourceUnpublish(s.req)
	}

	logger.Info("source unpublish", "url", s.req.StreamURL(), "cid", cid.String())
}

// OnFrame accepts one shared packet from the publisher: update the header
// cache, feed bridges synchronously, then fan out to consumers. A frame
// with no consumers still reaches bridges and the cache.
func (s *LiveSource) OnFrame(pkt *MediaPacket) error {
	s.mu.Lock()

	// Guard the A/V timeline: a jump more than 250ms behind the last
	// accepted timestamp is logged, and the mark only moves forward. The
	// packet keeps its own timestamp.
	if pkt.IsAV() {
		if pkt.Timestamp < s.lastTimestmp-250 {
			logger.Default().DebugCat(logger.DebugTrack, "timestamp jumped backwards",
				"url", s.req.StreamURL(), "last", s.lastTimestmp, "got", pkt.Timestamp)
		}
		if pkt.Timestamp > s.lastTimestmp {
			s.lastTimestmp = pkt.Timestamp
		}
	}

	switch {
	case pkt.IsMetadata():
		s.metaCache = pkt.Share()
	case pkt.IsAudioSequenceHeader():
		s.audioSeqHdr = pkt.Share()
	case pkt.IsVideoSequenceHeader():
		s.videoSeqHdr = pkt.Share()
	case pkt.IsAV():
		// A keyframe restarts the GOP cache; everything after rides
		// along until the next one. The cap bounds a keyframe-less
		// stream.
		if pkt.IsKeyframe() {
			s.gopCache = s.gopCache[:0]
		}
		if len(s.gopCache) < gopCacheMax {
			s.gopCache = append(s.gopCache, pkt.Share())
		}
	}

	bridge := s.bridge
	consumers := append([]*Consumer(nil), s.consumers...)
	s.mu.Unlock()

	if bridge != nil {
		if err := bridge.OnFrame(pkt); err != nil {
			return fmt.Errorf("bridge frame: %w", err)
		}
	}

	for _, c := range consumers {
		if err := c.enqueue(pkt); err != nil {
			logger.Warn("drop consumer on enqueue failure",
				"url", s.req.StreamURL(), "cid", c.cid.String(), "err", err)
			c.markOverflowed()
			s.OnConsumerDestroy(c)
		}
	}

	return nil
}

// CreateConsumer attaches a subscriber queue. The consumer first receives
// the cached metadata, then the audio sequence header, then the video
// sequence header, then the cached GOP, then becomes eligible for ongoing
// frames.
func (s *LiveSource) CreateConsumer(cid coro.ContextId) *Consumer {
	c := &Consumer{
		source: s,
		cid:    cid,
		cond:   coro.NewCond(),
		cfg:    s.consumerCfg,
	}

	s.mu.Lock()
	bootstrap := make([]*MediaPacket, 0, 3)
	if s.metaCache != nil {
		bootstrap = append(bootstrap, s.metaCache.Share())
	}
	if s.audioSeqHdr != nil {
		bootstrap = append(bootstrap, s.audioSeqHdr.Share())
	}
	if s.videoSeqHdr != nil {
		bootstrap = append(bootstrap, s.videoSeqHdr.Share())
	}
	for _, pkt := range s.gopCache {
		bootstrap = append(bootstrap, pkt.Share())
	}
	c.queue = bootstrap
	s.consumers = append(s.consumers, c)
	count := len(s.consumers)
	s.mu.Unlock()

	logger.Info("consumer attached", "url", s.req.StreamURL(), "cid", cid.String(), "consumers", count)
	return c
}

// OnConsumerDestroy detaches a consumer. Safe to call twice.
func (s *LiveSource) OnConsumerDestroy(c *Consumer) {
	s.mu.Lock()
	for i, existing := range s.consumers {
		if existing == c {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	c.onUnpublish()
}

// ConsumerCount returns the number of attached consumers.
func (s *LiveSource) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// SequenceHeaders returns the cached (metadata, audio, video) packets.
func (s *LiveSource) SequenceHeaders() (meta, audio, video *MediaPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaCache, s.audioSeqHdr, s.videoSeqHdr
}

// Consumer is a subscriber's bounded queue attached to a source. Dequeue
// blocks cooperatively; on source unpublish it observes ErrStreamEOF
// instead of blocking forever.
type Consumer struct {
	source *LiveSource
	cid    coro.ContextId
	cond   *coro.Cond
	cfg    ConsumerConfig

	mu         sync.Mutex
	queue      []*MediaPacket
	eof        bool
	overflowed bool
}

func (c *Consumer) enqueue(pkt *MediaPacket) error {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return ErrStreamEOF
	}
	if c.cfg.MaxPackets > 0 && len(c.queue) >= c.cfg.MaxPackets {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d packets", ErrConsumerOverflow, c.cfg.MaxPackets)
	}
	if c.cfg.MaxDuration > 0 && len(c.queue) > 1 {
		span := time.Duration(pkt.Timestamp-c.queue[0].Timestamp) * time.Millisecond
		if span > c.cfg.MaxDuration {
			c.mu.Unlock()
			return fmt.Errorf("%w: %v buffered", ErrConsumerOverflow, span)
		}
	}
	c.queue = append(c.queue, pkt)
	c.mu.Unlock()

	c.cond.Signal()
	return nil
}

// Dequeue returns the next packet, blocking up to timeout. It returns
// coro.ErrTimeout when nothing arrived, and ErrStreamEOF once the source
// unpublished and the queue drained.
func (c *Consumer) Dequeue(trd *coro.Coroutine, timeout time.Duration) (*MediaPacket, error) {
	for {
		if err := trd.Pull(); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			pkt := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return pkt, nil
		}
		if c.eof {
			c.mu.Unlock()
			if c.overflowed {
				return nil, ErrConsumerOverflow
			}
			return nil, ErrStreamEOF
		}
		c.mu.Unlock()

		if err := c.cond.Timedwait(trd.Context(), timeout); err != nil {
			return nil, err
		}
	}
}

// Size returns the queued packet count.
func (c *Consumer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Cid returns the owning subscriber's context id.
func (c *Consumer) Cid() coro.ContextId { return c.cid }

// Close detaches the consumer from its source.
func (c *Consumer) Close() {
	c.source.OnConsumerDestroy(c)
}

func (c *Consumer) markOverflowed() {
	c.mu.Lock()
	c.overflowed = true
	c.mu.Unlock()
}

func (c *Consumer) onUnpublish() {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return
	}
	c.eof = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// SourceManager is the per-domain registry mapping stream URLs to live
// sources.
type SourceManager struct {
	mu          sync.Mutex
	sources     map[string]*LiveSource
	consumerCfg ConsumerConfig
}

// NewSourceManager creates a registry with the given consumer bounds.
func NewSourceManager(cfg ConsumerConfig) *SourceManager {
	if cfg.MaxPackets == 0 && cfg.MaxDuration == 0 {
		cfg = DefaultConsumerConfig
	}
	return &SourceManager{sources: make(map[string]*LiveSource), consumerCfg: cfg}
}

// FetchOrCreate returns the source for the request's URL, creating it on
// first use.
func (m *SourceManager) FetchOrCreate(req *Request) *LiveSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := req.StreamURL()
	if s, ok := m.sources[url]; ok {
		return s
	}
	s := newLiveSource(req, m.consumerCfg)
	m.sources[url] = s
	return s
}

// Fetch returns the source for url, nil when absent.
func (m *SourceManager) Fetch(url string) *LiveSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[url]
}

// Eliminate destroys the source for url, notifying its consumers.
func (m *SourceManager) Eliminate(url string) {
	m.mu.Lock()
	s, ok := m.sources[url]
	if ok {
		delete(m.sources, url)
	}
	m.mu.Unlock()

	if ok {
		s.OnUnpublish()
	}
}

// URLs snapshots the registered stream URLs.
func (m *SourceManager) URLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	urls := make([]string, 0, len(m.sources))
	for u := range m.sources {
		urls = append(urls, u)
	}
	return urls
}
