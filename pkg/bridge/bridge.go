// Package bridge repacketizes media across protocol domains: RTMP frames
// to RTP, RTP back to frames, and MPEG-TS elementary streams to frames.
package bridge

import (
	"fmt"

	"github.com/ethan/streamhub/pkg/stream"
)

// Composite applies each child bridge in registration order; the first
// failure short-circuits frame delivery and returns the error.
type Composite struct {
	bridges []stream.Bridge
}

// NewComposite creates an empty composite bridge.
func NewComposite() *Composite { return &Composite{} }

// Append adds a child and returns the composite for chaining.
func (c *Composite) Append(b stream.Bridge) *Composite {
	c.bridges = append(c.bridges, b)
	return c
}

// Initialize implements stream.Bridge.
func (c *Composite) Initialize(r *stream.Request) error {
	for _, b := range c.bridges {
		if err := b.Initialize(r); err != nil {
			return fmt.Errorf("initialize bridge: %w", err)
		}
	}
	return nil
}

// OnPublish implements stream.Bridge.
func (c *Composite) OnPublish() error {
	for _, b := range c.bridges {
		if err := b.OnPublish(); err != nil {
			return err
		}
	}
	return nil
}

// OnUnpublish implements stream.Bridge.
func (c *Composite) OnUnpublish() {
	for _, b := range c.bridges {
		b.OnUnpublish()
	}
}

// OnFrame implements stream.FrameTarget.
func (c *Composite) OnFrame(pkt *stream.MediaPacket) error {
	for _, b := range c.bridges {
		if err := b.OnFrame(pkt); err != nil {
			return err
		}
	}
	return nil
}
