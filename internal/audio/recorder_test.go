package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
)

func TestRecordAndStopProducesDataURL(t *testing.T) {
	recorder := NewSourceRecorder(0)
	clip := []byte("webm-bytes")

	stream, err := recorder.Record(context.Background(), bytes.NewReader(clip))
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	<-stream.Done()
	if stream.Bytes() != len(clip) {
		t.Fatalf("expected %d captured bytes, got %d", len(clip), stream.Bytes())
	}
	ref, err := recorder.Stop(stream)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !strings.HasPrefix(string(ref), "data:audio/webm;base64,") {
		t.Fatalf("unexpected blob ref %q", ref)
	}

	mediaType, raw, err := DecodeBlob(ref)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if mediaType != MimeType || !bytes.Equal(raw, clip) {
		t.Fatalf("unexpected decode result %q %q", mediaType, raw)
	}
}

func TestStopTwiceFails(t *testing.T) {
	recorder := NewSourceRecorder(0)
	stream, _ := recorder.Record(context.Background(), strings.NewReader("x"))
	<-stream.Done()
	if _, err := recorder.Stop(stream); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if _, err := recorder.Stop(stream); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("expected ErrAlreadyStopped, got %v", err)
	}
}

func TestEmptySourceIsRejected(t *testing.T) {
	recorder := NewSourceRecorder(0)
	stream, _ := recorder.Record(context.Background(), strings.NewReader(""))
	<-stream.Done()
	if _, err := recorder.Stop(stream); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

func TestOversizedSourceIsRejected(t *testing.T) {
	recorder := NewSourceRecorder(4)
	stream, _ := recorder.Record(context.Background(), strings.NewReader("too long"))
	<-stream.Done()
	if _, err := recorder.Stop(stream); !errors.Is(err, ErrRecordingTooLarge) {
		t.Fatalf("expected ErrRecordingTooLarge, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestSourceErrorSurfacesOnStop(t *testing.T) {
	recorder := NewSourceRecorder(0)
	stream, _ := recorder.Record(context.Background(), failingReader{})
	<-stream.Done()
	if _, err := recorder.Stop(stream); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestRecordRequiresSource(t *testing.T) {
	if _, err := NewSourceRecorder(0).Record(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil source")
	}
}

func TestDecodeBlobRejectsGarbage(t *testing.T) {
	for _, ref := range []BlobRef{"", "hello", "data:audio/webm,abc", "data:;base64,abc", "data:audio/webm;base64,!!"} {
		if _, _, err := DecodeBlob(ref); !errors.Is(err, ErrInvalidBlobRef) {
			t.Fatalf("expected ErrInvalidBlobRef for %q, got %v", ref, err)
		}
	}
}

type blockingReader struct {
	release chan struct{}
}

func (r blockingReader) Read(p []byte) (int, error) {
	<-r.release
	p[0] = 'a'
	return 1, nil
}

func TestCancelledContextEndsCapture(t *testing.T) {
	recorder := NewSourceRecorder(0)
	ctx, cancel := context.WithCancel(context.Background())
	reader := blockingReader{release: make(chan struct{})}
	stream, _ := recorder.Record(ctx, reader)

	cancel()
	close(reader.release)
	<-stream.Done()

	if stream.Bytes() > 1 {
		t.Fatalf("expected capture to end after cancellation, got %d bytes", stream.Bytes())
	}
}

func TestLargestClipFitsRelayFrame(t *testing.T) {
	clip := bytes.Repeat([]byte{0x1a}, DefaultMaxBytes)
	message := chat.Message{
		ID:        "0192f5b1-7c3e-7a10-8000-000000000001",
		ChannelID: chat.DefaultChannelID,
		Content:   string(EncodeBlob(clip)),
		Kind:      chat.MessageKindAudio,
		Author: chat.Identity{
			ID:          "0192f5b1-7c3e-7a10-8000-000000000002",
			DisplayName: strings.Repeat("n", 64),
			AvatarRef:   "https://example.com/avatars/" + strings.Repeat("a", 200) + ".png",
			Status:      chat.StatusOnline,
			ColorTag:    "#112233",
		},
		CreatedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
	envelope, err := wire.NewEnvelope(wire.EventSendMessage, message)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	frame, err := envelope.Encode()
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	if len(frame) > wire.MaxFrameBytes {
		t.Fatalf("frame of %d bytes exceeds read limit %d", len(frame), wire.MaxFrameBytes)
	}
}

func TestRecorderRejectsClipAboveDefaultLimit(t *testing.T) {
	recorder := NewSourceRecorder(0)
	stream, _ := recorder.Record(context.Background(), bytes.NewReader(make([]byte, DefaultMaxBytes+1)))
	<-stream.Done()
	if _, err := recorder.Stop(stream); !errors.Is(err, ErrRecordingTooLarge) {
		t.Fatalf("expected ErrRecordingTooLarge, got %v", err)
	}
}
