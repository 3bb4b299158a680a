package mpegts

import (
	"fmt"
)

// PES is one reassembled packetized elementary stream unit.
type PES struct {
	Pid        uint16
	StreamType uint8
	// Pts and Dts in the 90kHz clock; Dts equals Pts when absent.
	Pts     int64
	Dts     int64
	Payload []byte
}

// Demuxer reassembles PES units from TS cells. Feed it 188-byte cells;
// complete units come back through the OnPES callback.
type Demuxer struct {
	OnPES func(pes *PES) error

	pmtPid  uint16
	streams map[uint16]uint8 // pid -> stream type

	partial map[uint16]*pesAccumulator
}

type pesAccumulator struct {
	streamType uint8
	pts, dts   int64
	data       []byte
	started    bool
}

// NewDemuxer creates a demuxer; OnPES must be set before feeding.
func NewDemuxer() *Demuxer {
	return &Demuxer{
		streams: make(map[uint16]uint8),
		partial: make(map[uint16]*pesAccumulator),
	}
}

// Feed consumes a buffer of whole TS cells.
func (d *Demuxer) Feed(buf []byte) error {
	if len(buf)%PacketSize != 0 {
		return fmt.Errorf("ts buffer not cell aligned: %d bytes", len(buf))
	}
	for off := 0; off < len(buf); off += PacketSize {
		if err := d.packet(buf[off : off+PacketSize]); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits any buffered PES units, used at end of stream.
func (d *Demuxer) Flush() error {
	for pid, acc := range d.partial {
		if acc.started && len(acc.data) > 0 {
			if err := d.emit(pid, acc); err != nil {
				return err
			}
		}
		delete(d.partial, pid)
	}
	return nil
}

func (d *Demuxer) packet(cell []byte) error {
	if cell[0] != SyncByte {
		return fmt.Errorf("lost ts sync: 0x%02x", cell[0])
	}

	unitStart := cell[1]&0x40 != 0
	pid := uint16(cell[1]&0x1F)<<8 | uint16(cell[2])
	hasAdaptation := cell[3]&0x20 != 0
	hasPayload := cell[3]&0x10 != 0

	payload := cell[4:]
	if hasAdaptation {
		alen := int(cell[4])
		if alen+1 > len(payload) {
			return fmt.Errorf("adaptation field overruns cell: %d", alen)
		}
		payload = payload[1+alen:]
	}
	if !hasPayload || len(payload) == 0 {
		return nil
	}

	switch {
	case pid == PidPAT:
		return d.parsePAT(payload, unitStart)
	case pid == d.pmtPid && d.pmtPid != 0:
		return d.parsePMT(payload, unitStart)
	default:
		if _, ok := d.streams[pid]; ok {
			return d.parsePES(pid, payload, unitStart)
		}
	}
	return nil
}

func psiSection(payload []byte, unitStart bool) ([]byte, error) {
	if !unitStart {
		// Multi-cell PSI is beyond what live PAT/PMT need.
		return nil, nil
	}
	pointer := int(payload[0])
	if 1+pointer >= len(payload) {
		return nil, fmt.Errorf("psi pointer overruns cell")
	}
	return payload[1+pointer:], nil
}

func (d *Demuxer) parsePAT(payload []byte, unitStart bool) error {
	section, err := psiSection(payload, unitStart)
	if err != nil || section == nil {
		return err
	}
	if len(section) < 12 {
		return fmt.Errorf("pat section too short")
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	// Program loop starts after the 8-byte section header; the last 4
	// bytes are the CRC.
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section)
	}
	for off := 8; off+4 <= end; off += 4 {
		program := uint16(section[off])<<8 | uint16(section[off+1])
		pid := uint16(section[off+2]&0x1F)<<8 | uint16(section[off+3])
		if program != 0 {
			d.pmtPid = pid
		}
	}
	return nil
}

func (d *Demuxer) parsePMT(payload []byte, unitStart bool) error {
	section, err := psiSection(payload, unitStart)
	if err != nil || section == nil {
		return err
	}
	if len(section) < 12 {
		return fmt.Errorf("pmt section too short")
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section)
	}
	off := 12 + programInfoLength
	for off+5 <= end {
		streamType := section[off]
		pid := uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2])
		esInfoLength := int(section[off+3]&0x0F)<<8 | int(section[off+4])
		d.streams[pid] = streamType
		off += 5 + esInfoLength
	}
	return nil
}

func (d *Demuxer) parsePES(pid uint16, payload []byte, unitStart bool) error {
	acc := d.partial[pid]

	if unitStart {
		// Commit the previous unit for this pid first.
		if acc != nil && acc.started && len(acc.data) > 0 {
			if err := d.emit(pid, acc); err != nil {
				return err
			}
		}

		if len(payload) < 9 || payload[0] != 0 || payload[1] != 0 || payload[2] != 1 {
			return fmt.Errorf("bad pes start code on pid %d", pid)
		}
		flags := payload[7]
		headerLen := int(payload[8])
		if 9+headerLen > len(payload) {
			return fmt.Errorf("pes header overruns cell on pid %d", pid)
		}

		var pts, dts int64 = -1, -1
		opt := payload[9 : 9+headerLen]
		if flags&0x80 != 0 && len(opt) >= 5 {
			pts = parseTimestamp(opt[:5])
			dts = pts
		}
		if flags&0xC0 == 0xC0 && len(opt) >= 10 {
			dts = parseTimestamp(opt[5:10])
		}

		acc = &pesAccumulator{
			streamType: d.streams[pid],
			pts:        pts,
			dts:        dts,
			started:    true,
		}
		acc.data = append(acc.data, payload[9+headerLen:]...)
		d.partial[pid] = acc
		return nil
	}

	if acc == nil || !acc.started {
		// Payload before the first unit start; drop until aligned.
		return nil
	}
	acc.data = append(acc.data, payload...)
	return nil
}

func (d *Demuxer) emit(pid uint16, acc *pesAccumulator) error {
	pes := &PES{
		Pid:        pid,
		StreamType: acc.streamType,
		Pts:        acc.pts,
		Dts:        acc.dts,
		Payload:    acc.data,
	}
	d.partial[pid] = &pesAccumulator{streamType: acc.streamType}
	if d.OnPES == nil {
		return nil
	}
	return d.OnPES(pes)
}
