// Package audio captures short voice clips and encodes them as self-contained blob references.
package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
)

const (
	// MimeType is the container every captured clip is labelled with.
	MimeType = "audio/webm"

	// DefaultMaxBytes is the largest raw clip whose base64 data URL, wrapped in a
	// send_message envelope, still fits wire.MaxFrameBytes.
	DefaultMaxBytes = (wire.MaxFrameBytes - envelopeHeadroom) / 4 * 3

	envelopeHeadroom = 64 << 10

	chunkSize  = 32 << 10
	dataPrefix = "data:"
)

var (
	// ErrEmptyRecording indicates that the source produced no audio.
	ErrEmptyRecording = errors.New("audio: empty recording")
	// ErrRecordingTooLarge indicates that the clip exceeded the size limit.
	ErrRecordingTooLarge = errors.New("audio: recording exceeds size limit")
	// ErrAlreadyStopped indicates that Stop was called twice on one stream.
	ErrAlreadyStopped = errors.New("audio: stream already stopped")
	// ErrInvalidBlobRef indicates a blob reference that is not a base64 data URL.
	ErrInvalidBlobRef = errors.New("audio: invalid blob reference")

	errMissingSource = errors.New("audio: source is required")
)

// BlobRef is an opaque, self-contained reference to an encoded clip.
type BlobRef string

// Recorder is the capture collaborator the client session drives.
type Recorder interface {
	Record(ctx context.Context, source io.Reader) (*Stream, error)
	Stop(stream *Stream) (BlobRef, error)
}

// Stream is one in-progress capture.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	buffer  bytes.Buffer
	err     error
	stopped bool
}

// Done is closed once the source is exhausted or capture has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Bytes returns how much audio has been captured so far.
func (s *Stream) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

// SourceRecorder captures from any byte source such as a microphone pipe or a file.
type SourceRecorder struct {
	maxBytes int
}

// NewSourceRecorder constructs a recorder; maxBytes <= 0 selects DefaultMaxBytes.
func NewSourceRecorder(maxBytes int) *SourceRecorder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &SourceRecorder{maxBytes: maxBytes}
}

// Record starts copying the source into a new stream until the source is
// exhausted, the context ends, or Stop is called.
func (r *SourceRecorder) Record(ctx context.Context, source io.Reader) (*Stream, error) {
	if source == nil {
		return nil, errMissingSource
	}
	captureCtx, cancel := context.WithCancel(ctx)
	stream := &Stream{cancel: cancel, done: make(chan struct{})}
	go r.capture(captureCtx, source, stream)
	return stream, nil
}

func (r *SourceRecorder) capture(ctx context.Context, source io.Reader, stream *Stream) {
	defer close(stream.done)
	chunk := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		read, err := source.Read(chunk)
		if read > 0 {
			stream.mu.Lock()
			if stream.buffer.Len()+read > r.maxBytes {
				stream.err = ErrRecordingTooLarge
				stream.mu.Unlock()
				return
			}
			stream.buffer.Write(chunk[:read])
			stream.mu.Unlock()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			stream.mu.Lock()
			stream.err = fmt.Errorf("audio: read source: %w", err)
			stream.mu.Unlock()
			return
		}
	}
}

// Stop ends the capture and encodes what was recorded.
func (r *SourceRecorder) Stop(stream *Stream) (BlobRef, error) {
	if stream == nil {
		return "", errMissingSource
	}
	stream.mu.Lock()
	if stream.stopped {
		stream.mu.Unlock()
		return "", ErrAlreadyStopped
	}
	stream.stopped = true
	stream.mu.Unlock()

	stream.cancel()
	<-stream.done

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.err != nil {
		return "", stream.err
	}
	if stream.buffer.Len() == 0 {
		return "", ErrEmptyRecording
	}
	return EncodeBlob(stream.buffer.Bytes()), nil
}

// EncodeBlob wraps raw clip bytes in a data URL.
func EncodeBlob(raw []byte) BlobRef {
	return BlobRef(dataPrefix + MimeType + ";base64," + base64.StdEncoding.EncodeToString(raw))
}

// DecodeBlob returns the media type and raw bytes carried by a data URL.
func DecodeBlob(ref BlobRef) (string, []byte, error) {
	value := string(ref)
	if !strings.HasPrefix(value, dataPrefix) {
		return "", nil, ErrInvalidBlobRef
	}
	header, encoded, found := strings.Cut(strings.TrimPrefix(value, dataPrefix), ",")
	if !found {
		return "", nil, ErrInvalidBlobRef
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 || mediaType == "" {
		return "", nil, ErrInvalidBlobRef
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidBlobRef, err)
	}
	return mediaType, raw, nil
}
