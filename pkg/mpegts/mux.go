package mpegts

import (
	"fmt"
	"io"
)

// Muxer emits a single-program transport stream with one H.264 video pid
// and one AAC audio pid. PAT+PMT are written once, ahead of the first PES
// unless WritePSI was called first; they are not repeated before later
// keyframes.
type Muxer struct {
	w io.Writer

	continuity map[uint16]byte
	psiWritten bool
}

// NewMuxer writes cells to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w, continuity: make(map[uint16]byte)}
}

func (m *Muxer) cc(pid uint16) byte {
	v := m.continuity[pid]
	m.continuity[pid] = (v + 1) & 0x0F
	return v
}

// WritePSI emits the PAT and PMT sections.
func (m *Muxer) WritePSI() error {
	if err := m.writeSection(PidPAT, m.patSection()); err != nil {
		return fmt.Errorf("write pat: %w", err)
	}
	if err := m.writeSection(PidPMT, m.pmtSection()); err != nil {
		return fmt.Errorf("write pmt: %w", err)
	}
	m.psiWritten = true
	return nil
}

func (m *Muxer) patSection() []byte {
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax + length 13
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number 1
		0xE0 | byte(PidPMT>>8), byte(PidPMT),
	}
	crc := crc32mpeg(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func (m *Muxer) pmtSection() []byte {
	section := []byte{
		0x02,       // table_id
		0xB0, 0x17, // section_syntax + length 23
		0x00, 0x01, // program_number
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
		0xE0 | byte(PidVideo>>8), byte(PidVideo), // PCR pid = video
		0xF0, 0x00, // program_info_length 0
		StreamTypeH264, 0xE0 | byte(PidVideo>>8), byte(PidVideo), 0xF0, 0x00,
		StreamTypeAAC, 0xE0 | byte(PidAudio>>8), byte(PidAudio), 0xF0, 0x00,
	}
	crc := crc32mpeg(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func (m *Muxer) writeSection(pid uint16, section []byte) error {
	cell := make([]byte, PacketSize)
	cell[0] = SyncByte
	cell[1] = 0x40 | byte(pid>>8) // payload_unit_start
	cell[2] = byte(pid)
	cell[3] = 0x10 | m.cc(pid) // payload only
	cell[4] = 0x00             // pointer_field
	n := copy(cell[5:], section)
	for i := 5 + n; i < PacketSize; i++ {
		cell[i] = 0xFF
	}
	_, err := m.w.Write(cell)
	return err
}

// WritePES packetizes one elementary-stream unit. Video keyframes carry
// the random-access indicator and a PCR derived from the dts.
func (m *Muxer) WritePES(pid uint16, streamID byte, payload []byte, pts, dts int64, keyframe bool) error {
	if !m.psiWritten {
		if err := m.WritePSI(); err != nil {
			return err
		}
	}

	pes := buildPESHeader(streamID, payload, pts, dts)
	data := append(pes, payload...)

	first := true
	for len(data) > 0 {
		cell := make([]byte, PacketSize)
		cell[0] = SyncByte
		cell[1] = byte(pid >> 8)
		if first {
			cell[1] |= 0x40
		}
		cell[2] = byte(pid)

		space := PacketSize - 4
		// af is the adaptation field content after its length byte.
		var af []byte
		hasAF := false

		if first && keyframe && pid == PidVideo {
			// Random access indicator + PCR (90kHz base) on the
			// keyframe's first cell.
			base := dts
			af = []byte{
				0x50,
				byte(base >> 25), byte(base >> 17), byte(base >> 9), byte(base >> 1),
				byte(base<<7) | 0x7E, 0x00,
			}
			hasAF = true
			space -= 1 + len(af)
		}

		if len(data) < space {
			// Stuff the shortfall through the adaptation field.
			need := space - len(data)
			if !hasAF {
				hasAF = true
				if need == 1 {
					af = nil // length byte 0, no content
				} else {
					af = make([]byte, need-1)
					af[0] = 0x00 // no flags
					for i := 1; i < len(af); i++ {
						af[i] = 0xFF
					}
				}
			} else {
				pad := make([]byte, need)
				for i := range pad {
					pad[i] = 0xFF
				}
				af = append(af, pad...)
			}
			space = len(data)
		}

		idx := 4
		if hasAF {
			cell[3] = 0x30 | m.cc(pid) // adaptation + payload
			cell[idx] = byte(len(af))
			idx++
			idx += copy(cell[idx:], af)
		} else {
			cell[3] = 0x10 | m.cc(pid)
		}

		n := copy(cell[idx:], data)
		data = data[n:]
		first = false

		if _, err := m.w.Write(cell); err != nil {
			return fmt.Errorf("write pes cell: %w", err)
		}
	}
	return nil
}

// buildPESHeader emits the 00 00 01 start code, stream id and the
// PTS/DTS option block.
func buildPESHeader(streamID byte, payload []byte, pts, dts int64) []byte {
	withDts := dts != pts

	optLen := 5
	flags := byte(0x80)
	if withDts {
		optLen = 10
		flags = 0xC0
	}

	packetLen := 3 + optLen + len(payload)
	if packetLen > 0xFFFF || streamID == 0xE0 {
		// Video PES length 0 means unbounded.
		packetLen = 0
	}

	hdr := make([]byte, 9+optLen)
	hdr[0], hdr[1], hdr[2] = 0, 0, 1
	hdr[3] = streamID
	hdr[4] = byte(packetLen >> 8)
	hdr[5] = byte(packetLen)
	hdr[6] = 0x80
	hdr[7] = flags
	hdr[8] = byte(optLen)
	if withDts {
		putTimestamp(hdr[9:14], 0x3, pts)
		putTimestamp(hdr[14:19], 0x1, dts)
	} else {
		putTimestamp(hdr[9:14], 0x2, pts)
	}
	return hdr
}
