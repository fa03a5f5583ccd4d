package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindTransport, "stt.send", io.ErrUnexpectedEOF)

	if !errors.Is(err, ErrTransport) {
		t.Error("Expected transport error to match ErrTransport")
	}
	if errors.Is(err, ErrCaptureDevice) {
		t.Error("Expected transport error not to match ErrCaptureDevice")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("Expected wrapped cause to be reachable")
	}
}

func TestError_WrappedChain(t *testing.T) {
	err := fmt.Errorf("listen cycle: %w", New(KindCaptureDevice, "capture.open", errors.New("no device")))

	if !errors.Is(err, ErrCaptureDevice) {
		t.Error("Expected wrapped error to match ErrCaptureDevice")
	}
	if KindOf(err) != KindCaptureDevice {
		t.Errorf("Expected kind capture_device, got %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("Expected plain error to have unknown kind")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err      *Error
		expected string
	}{
		{New(KindPlaybackDevice, "speaker.play", errors.New("busy")), "playback_device: speaker.play: busy"},
		{New(KindRecognitionTimeout, "", errors.New("dead air")), "recognition_timeout: dead air"},
		{New(KindMalformedResponse, "stt.recv", nil), "malformed_response: stt.recv"},
		{ErrTransport, "transport"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
