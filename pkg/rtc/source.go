package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/stream"
)

// RtpTarget receives RTP packets, either a consumer fan-out or a bridge
// into another protocol domain.
type RtpTarget interface {
	OnRtp(pkt *rtp.Packet) error
}

// RtpBridge adapts the RTC domain to another domain; lifecycle mirrors
// stream.Bridge.
type RtpBridge interface {
	RtpTarget
	Initialize(r *stream.Request) error
	OnPublish() error
	OnUnpublish()
}

// Source is one logical stream in the RTC domain. RTP from the publisher
// is fed to bridges first, then to every attached consumer queue. The
// latest STAP-A (SPS+PPS) packet is cached so a new consumer can start
// decoding at the next keyframe.
type Source struct {
	req *stream.Request

	mu           sync.Mutex
	publisherCid coro.ContextId
	active       bool
	consumers    []*Consumer
	bridges      []RtpBridge

	// Cached parameter-set packet for bootstrap.
	paramCache *rtp.Packet

	audioSSRC uint32
	videoSSRC uint32
}

func newSource(req *stream.Request) *Source {
	return &Source{req: req.Copy()}
}

// Request returns the identity this source serves.
func (s *Source) Request() *stream.Request { return s.req }

// AppendBridge installs a bridge; bridges run synchronously before
// consumers, in registration order.
func (s *Source) AppendBridge(b RtpBridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges = append(s.bridges, b)
}

// SetTrackSSRCs records the publisher's track ssrcs for diagnostics.
func (s *Source) SetTrackSSRCs(audio, video uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSSRC, s.videoSSRC = audio, video
}

// VideoSSRC returns the publisher's video ssrc.
func (s *Source) VideoSSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSSRC
}

// OnPublish marks the source publishing and starts the bridges.
func (s *Source) OnPublish(cid coro.ContextId) error {
	s.mu.Lock()
	if s.active {
		url := s.req.StreamURL()
		s.mu.Unlock()
		return fmt.Errorf("rtc source %s: %w", url, stream.ErrSourceBusy)
	}
	s.active = true
	s.publisherCid = cid
	bridges := append([]RtpBridge(nil), s.bridges...)
	s.mu.Unlock()

	for _, b := range bridges {
		if err := b.OnPublish(); err != nil {
			return fmt.Errorf("rtc bridge publish: %w", err)
		}
	}

	logger.Info("rtc source publish", "url", s.req.StreamURL(), "cid", cid.String())
	return nil
}

// OnUnpublish stops bridges, clears the cache and wakes consumers.
func (s *Source) OnUnpublish() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.publisherCid = coro.ContextId{}
	s.paramCache = nil
	consumers := append([]*Consumer(nil), s.consumers...)
	bridges := append([]RtpBridge(nil), s.bridges...)
	// Bridges are installed per publish; the next publisher wires fresh
	// ones.
	s.bridges = nil
	s.mu.Unlock()

	for _, b := range bridges {
		b.OnUnpublish()
	}
	for _, c := range consumers {
		c.onUnpublish()
	}

	logger.Info("rtc source unpublish", "url", s.req.StreamURL())
}

// Active reports whether a publisher is attached.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PublisherCid returns the current publisher's context id.
func (s *Source) PublisherCid() coro.ContextId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisherCid
}

// OnRtp fans one packet out: bridges first, then consumers. A packet with
// no consumers still reaches bridges and refreshes the parameter cache.
func (s *Source) OnRtp(pkt *rtp.Packet) error {
	s.mu.Lock()
	if isStapA(pkt.Payload) {
		clone := pkt.Clone()
		s.paramCache = clone
	}
	bridges := append([]RtpBridge(nil), s.bridges...)
	consumers := append([]*Consumer(nil), s.consumers...)
	s.mu.Unlock()

	for _, b := range bridges {
		if err := b.OnRtp(pkt); err != nil {
			return fmt.Errorf("rtc bridge rtp: %w", err)
		}
	}

	for _, c := range consumers {
		if err := c.enqueue(pkt); err != nil {
			logger.Warn("drop rtc consumer on enqueue failure",
				"url", s.req.StreamURL(), "err", err)
			s.OnConsumerDestroy(c)
		}
	}
	return nil
}

// CreateConsumer attaches an RTP consumer, pre-seeded with the cached
// parameter-set packet when present.
func (s *Source) CreateConsumer(cid coro.ContextId, maxPackets int) *Consumer {
	c := &Consumer{
		source:     s,
		cid:        cid,
		cond:       coro.NewCond(),
		maxPackets: maxPackets,
	}
	s.mu.Lock()
	if s.paramCache != nil {
		c.queue = append(c.queue, s.paramCache.Clone())
	}
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c
}

// OnConsumerDestroy detaches a consumer; safe to call twice.
func (s *Source) OnConsumerDestroy(c *Consumer) {
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

// ConsumerCount returns attached consumer count.
func (s *Source) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

func isStapA(payload []byte) bool {
	return len(payload) > 0 && payload[0]&0x1F == 24
}

// Consumer is a subscriber's bounded RTP queue.
type Consumer struct {
	source     *Source
	cid        coro.ContextId
	cond       *coro.Cond
	maxPackets int

	mu    sync.Mutex
	queue []*rtp.Packet
	eof   bool
}

func (c *Consumer) enqueue(pkt *rtp.Packet) error {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return stream.ErrStreamEOF
	}
	if c.maxPackets > 0 && len(c.queue) >= c.maxPackets {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d rtp packets", stream.ErrConsumerOverflow, c.maxPackets)
	}
	c.queue = append(c.queue, pkt)
	c.mu.Unlock()

	c.cond.Signal()
	return nil
}

// Dequeue returns the next packet, blocking up to timeout, ErrStreamEOF
// after unpublish.
func (c *Consumer) Dequeue(trd *coro.Coroutine, timeout time.Duration) (*rtp.Packet, error) {
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
			return nil, stream.ErrStreamEOF
		}
		c.mu.Unlock()

		if err := c.cond.Timedwait(trd.Context(), timeout); err != nil {
			if errors.Is(err, coro.ErrTimeout) {
				return nil, err
			}
			return nil, err
		}
	}
}

// Close detaches the consumer from its source.
func (c *Consumer) Close() {
	c.source.OnConsumerDestroy(c)
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

// SourceManager is the RTC-domain registry mapping stream URLs to
// sources.
type SourceManager struct {
	mu      sync.Mutex
	sources map[string]*Source
}

// NewSourceManager creates an empty registry.
func NewSourceManager() *SourceManager {
	return &SourceManager{sources: make(map[string]*Source)}
}

// FetchOrCreate returns the source for the request's URL, creating it on
// first use.
func (m *SourceManager) FetchOrCreate(req *stream.Request) *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := req.StreamURL()
	if s, ok := m.sources[url]; ok {
		return s
	}
	s := newSource(req)
	m.sources[url] = s
	return s
}

// Fetch returns the source for url, nil when absent.
func (m *SourceManager) Fetch(url string) *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[url]
}
