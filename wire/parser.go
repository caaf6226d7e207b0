package wire

// Stage is the position of a Parser within the current frame.
type Stage uint8

const (
	StageHead Stage = iota
	StageSeqn
	StageCmd
	StageDataLen
	StageData
	StageTail
)

func (s Stage) String() string {
	switch s {
	case StageHead:
		return "head"
	case StageSeqn:
		return "seqn"
	case StageCmd:
		return "cmd"
	case StageDataLen:
		return "datalen"
	case StageData:
		return "data"
	case StageTail:
		return "tail"
	default:
		return "unknown"
	}
}

// ParserStats counts what a Parser has seen since it was created.
type ParserStats struct {
	Frames    uint64 // Complete frames emitted
	Resyncs   uint64 // Partial markers abandoned
	Oversized uint64 // Frames dropped for declaring a payload above the limit
}

// Parser incrementally reconstructs frames from arbitrary chunks of a byte
// stream. It holds at most one frame in flight and never blocks.
//
// A Parser is not safe for concurrent use; it belongs to whichever goroutine
// drives the connection it reads from.
type Parser struct {
	stage      Stage
	pos        int // bytes consumed within the current stage
	maxPayload uint32

	pkt     Packet
	payload []byte // len == cap, grows on demand, never shrinks

	stats ParserStats
}

// NewParser returns a parser dropping frames whose payload exceeds maxPayload.
func NewParser(maxPayload uint32) *Parser {
	return &Parser{maxPayload: maxPayload}
}

// Stage returns the current stage.
func (p *Parser) Stage() Stage {
	return p.stage
}

// PayloadCap returns the capacity of the reusable payload buffer.
func (p *Parser) PayloadCap() int {
	return cap(p.payload)
}

// MaxPayload returns the payload limit.
func (p *Parser) MaxPayload() uint32 {
	return p.maxPayload
}

// Stats returns a snapshot of the parser counters.
func (p *Parser) Stats() ParserStats {
	return p.stats
}

// Reset discards any partial frame. The payload buffer is kept.
func (p *Parser) Reset() {
	p.restart()
}

func (p *Parser) restart() {
	p.stage = StageHead
	p.pos = 0
	p.pkt = Packet{}
}

// Feed consumes all of data, calling emit once per completed frame in
// arrival order. It returns the number of frames emitted.
//
// The packet passed to emit is owned by the parser and is overwritten by the
// next frame, possibly within the same Feed call.
func (p *Parser) Feed(data []byte, emit func(pkt *Packet)) int {
	frames := 0

	for i := 0; i < len(data); {
		switch p.stage {
		case StageHead:
			if data[i] != headMarker[p.pos] {
				if p.pos > 0 {
					// the mismatching byte may start a fresh marker
					p.stats.Resyncs++
					p.pos = 0
					continue
				}
				i++
				continue
			}
			i++
			p.pos++
			if p.pos == MarkerSize {
				p.stage = StageSeqn
				p.pos = 0
			}

		case StageSeqn:
			p.pkt.Seq = data[i]
			i++
			p.stage = StageCmd

		case StageCmd:
			p.pkt.Command = Command(data[i])
			i++
			p.pkt.Length = 0
			p.stage = StageDataLen

		case StageDataLen:
			p.pkt.Length = p.pkt.Length<<8 | uint32(data[i])
			i++
			p.pos++
			if p.pos < 4 {
				continue
			}
			p.pos = 0
			switch {
			case p.pkt.Length > p.maxPayload:
				p.stats.Oversized++
				p.restart()
			case p.pkt.Length == 0:
				p.pkt.Payload = p.payload[:0]
				p.stage = StageTail
			default:
				p.grow(int(p.pkt.Length))
				p.stage = StageData
			}

		case StageData:
			n := copy(p.payload[p.pos:p.pkt.Length], data[i:])
			i += n
			p.pos += n
			if p.pos == int(p.pkt.Length) {
				p.pkt.Payload = p.payload[:p.pkt.Length]
				p.stage = StageTail
				p.pos = 0
			}

		case StageTail:
			if data[i] != tailMarker[p.pos] {
				p.stats.Resyncs++
				p.restart()
				continue
			}
			i++
			p.pos++
			if p.pos == MarkerSize {
				p.stats.Frames++
				frames++
				emit(&p.pkt)
				p.restart()
			}
		}
	}

	return frames
}

func (p *Parser) grow(n int) {
	if n <= cap(p.payload) {
		p.payload = p.payload[:cap(p.payload)]
		return
	}
	size := 2 * cap(p.payload)
	if size < n {
		size = n
	}
	if uint64(size) > uint64(p.maxPayload) {
		size = int(p.maxPayload)
	}
	p.payload = make([]byte, size)
}
