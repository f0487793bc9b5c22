package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// Metadata is what the WAV header declares.
type Metadata struct {
	SampleRate  int
	Channels    int
	BitDepth    int
	AudioFormat int
	DataBytes   int64
}

// Duration of the PCM payload.
func (m Metadata) Duration() time.Duration {
	bytesPerSecond := int64(m.SampleRate * m.Channels * m.BitDepth / 8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(m.DataBytes * int64(time.Second) / bytesPerSecond)
}

// ChunkStream yields PCM in order. It is single-pass: once Next has returned
// io.EOF it keeps doing so, and a stream cannot be rewound.
type ChunkStream struct {
	ctx    context.Context
	r      io.Reader
	closer io.Closer
	size   int

	whole []byte
	done  bool
}

// OpenAudioFile validates the WAV header at path and returns a stream that
// reads the data chunk lazily, chunkBytes at a time. Nothing is streamed
// unless the file declares mono 16-bit integer PCM.
func OpenAudioFile(ctx context.Context, path string, chunkBytes int) (Metadata, *ChunkStream, error) {
	const op = "open audio"
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, newError(ErrResourceNotFound, op, path, err)
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return Metadata{}, nil, newError(ErrUnsupportedAudioFormat, op, path, fmt.Errorf("read wav header: %w", err))
	}
	meta := Metadata{
		SampleRate:  int(dec.SampleRate),
		Channels:    int(dec.NumChans),
		BitDepth:    int(dec.BitDepth),
		AudioFormat: int(dec.WavAudioFormat),
	}
	if meta.AudioFormat != wavFormatPCM || meta.Channels != 1 || meta.BitDepth != 16 || meta.SampleRate <= 0 {
		f.Close()
		return meta, nil, &FormatError{
			Path:        path,
			AudioFormat: meta.AudioFormat,
			Channels:    meta.Channels,
			BitDepth:    meta.BitDepth,
			SampleRate:  meta.SampleRate,
		}
	}

	if err := dec.FwdToPCM(); err != nil || dec.PCMChunk == nil {
		f.Close()
		if err == nil {
			err = errors.New("no data chunk")
		}
		return meta, nil, newError(ErrUnsupportedAudioFormat, op, path, fmt.Errorf("locate pcm data: %w", err))
	}
	meta.DataBytes = int64(dec.PCMSize)

	return meta, &ChunkStream{
		ctx:    ctx,
		r:      dec.PCMChunk,
		closer: f,
		size:   chunkBytes,
	}, nil
}

// WrapAudioBuffer presents raw PCM as a stream of exactly one chunk. The
// buffer is not copied and no header is validated.
func WrapAudioBuffer(buf []byte) *ChunkStream {
	return &ChunkStream{whole: buf}
}

// Next returns the next chunk, or io.EOF when the stream is exhausted. The
// final chunk of a file may be shorter than the chunk size.
func (s *ChunkStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.r == nil {
		s.done = true
		return s.whole, nil
	}
	if s.ctx != nil {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	default:
		s.done = true
		return nil, fmt.Errorf("read pcm: %w", err)
	}
}

func (s *ChunkStream) Close() error {
	s.done = true
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}
