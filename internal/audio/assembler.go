package audio

import "time"

// AssemblerConfig holds chunking parameters
type AssemblerConfig struct {
	ChunkFrames   int           // Frames per chunk
	ChunkInterval time.Duration // Maximum time between flushes
	PreRollFrames int           // Frames retained before speech onset
}

// DefaultAssemblerConfig returns the default chunking parameters
func DefaultAssemblerConfig() *AssemblerConfig {
	return &AssemblerConfig{
		ChunkFrames:   15,
		ChunkInterval: 500 * time.Millisecond,
		PreRollFrames: 5,
	}
}

// Chunk is a batch of audio bound for the recognizer transport.
type Chunk struct {
	Audio  []byte
	Frames int
	Marker Marker
	// EndOfStream is set on the terminal empty chunk that closes the
	// current recognition exchange.
	EndOfStream bool
}

// Assembler batches consumed frames into transport chunks. Markers flush
// immediately. Muted frames never reach a chunk.
//
// Before Begin is called the assembler only keeps a short pre-roll of the
// most recent frames.
type Assembler struct {
	config    *AssemblerConfig
	pending   []Frame
	preroll   []Frame
	lastFlush time.Time
	streaming bool
	muted     bool
}

// NewAssembler creates an idle assembler
func NewAssembler(config *AssemblerConfig) *Assembler {
	if config == nil {
		config = DefaultAssemblerConfig()
	}
	return &Assembler{config: config}
}

// Begin starts a recognition exchange; the pre-roll becomes the head of the
// first chunk.
func (a *Assembler) Begin() {
	if a.streaming {
		return
	}
	a.streaming = true
	a.pending = append(a.pending[:0], a.preroll...)
	a.preroll = a.preroll[:0]
	a.lastFlush = time.Time{}
	if len(a.pending) > 0 {
		a.lastFlush = a.pending[0].Timestamp
	}
}

// Streaming reports whether an exchange is open
func (a *Assembler) Streaming() bool {
	return a.streaming
}

// Push consumes one item and returns the chunks it completes, in order.
func (a *Assembler) Push(item Item) []Chunk {
	switch item.Kind {
	case ItemFrame:
		return a.pushFrame(item.Frame)
	case ItemSentenceBoundary:
		if !a.streaming {
			return nil
		}
		c := a.flush(time.Time{})
		c.Marker = MarkerSentenceBoundary
		return []Chunk{c}
	case ItemEndOfSpeech:
		if !a.streaming {
			return nil
		}
		var out []Chunk
		if len(a.pending) > 0 {
			out = append(out, a.flush(time.Time{}))
		}
		out = append(out, Chunk{Marker: MarkerEndOfSpeech, EndOfStream: true})
		a.streaming = false
		return out
	}
	return nil
}

func (a *Assembler) pushFrame(f Frame) []Chunk {
	if f.Muted {
		if !a.muted {
			a.Discard()
		}
		a.muted = true
		return nil
	}
	a.muted = false

	if !a.streaming {
		if a.config.PreRollFrames <= 0 {
			return nil
		}
		if len(a.preroll) == a.config.PreRollFrames {
			copy(a.preroll, a.preroll[1:])
			a.preroll = a.preroll[:len(a.preroll)-1]
		}
		a.preroll = append(a.preroll, f)
		return nil
	}

	if a.lastFlush.IsZero() {
		a.lastFlush = f.Timestamp
	}
	a.pending = append(a.pending, f)

	if len(a.pending) >= a.config.ChunkFrames || f.Timestamp.Sub(a.lastFlush) >= a.config.ChunkInterval {
		return []Chunk{a.flush(f.Timestamp)}
	}
	return nil
}

func (a *Assembler) flush(ts time.Time) Chunk {
	size := 0
	for _, f := range a.pending {
		size += len(f.Samples) * 2
	}
	c := Chunk{Audio: make([]byte, 0, size), Frames: len(a.pending)}
	for _, f := range a.pending {
		c.Audio = append(c.Audio, f.Bytes()...)
	}
	a.pending = a.pending[:0]
	a.lastFlush = ts
	return c
}

// Pending returns the number of frames waiting for the next flush
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Discard drops buffered frames without emitting them
func (a *Assembler) Discard() {
	a.pending = a.pending[:0]
	a.preroll = a.preroll[:0]
}

// Reset closes any open exchange and discards buffered frames
func (a *Assembler) Reset() {
	a.Discard()
	a.streaming = false
	a.muted = false
	a.lastFlush = time.Time{}
}
