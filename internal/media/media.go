// Package media defines the upstream side of a codec: sources of compressed
// access units, and the format metadata describing them.
package media

import (
	"time"

	"github.com/lanikai/alohaomx/internal/logging"
)

var log = logging.DefaultLogger.WithTag("media")

// MIME types understood by the codec layer.
const (
	MIMEVideoAVC   = "video/avc"
	MIMEVideoMPEG4 = "video/mp4v-es"
	MIMEVideoH263  = "video/3gpp"
	MIMEVideoRaw   = "video/raw"
	MIMEAudioAAC   = "audio/mp4a-latm"
	MIMEAudioAMRNB = "audio/3gpp"
	MIMEAudioAMRWB = "audio/amr-wb"
	MIMEAudioMPEG  = "audio/mpeg"
	MIMEAudioRaw   = "audio/raw"
)

// Format describes a stream. Fields that do not apply are zero.
type Format struct {
	MIME string

	// Video
	Width  int
	Height int

	// Audio
	SampleRate int
	Channels   int

	BitRate  int
	Duration time.Duration

	// Codec-specific data, e.g. SPS and PPS for H.264 or the
	// AudioSpecificConfig for AAC, in the order a decoder must see them.
	// H.264 blocks are raw NAL units without start codes.
	CodecData [][]byte
}

// IsVideo reports whether the format describes a video stream.
func (f Format) IsVideo() bool {
	return len(f.MIME) > 6 && f.MIME[:6] == "video/"
}

// A Packet is one compressed access unit.
type Packet struct {
	Data []byte

	// Presentation time relative to the start of the stream.
	Time time.Duration

	KeyFrame bool
}

// ReadOptions modify a single Read call. A nil *ReadOptions is valid and
// means no options.
type ReadOptions struct {
	seekTo time.Duration
	seek   bool
}

// SetSeekTo requests that the read start at the first access unit at or
// after t.
func (o *ReadOptions) SetSeekTo(t time.Duration) {
	o.seekTo = t
	o.seek = true
}

func (o *ReadOptions) ClearSeekTo() {
	o.seek = false
	o.seekTo = 0
}

// SeekTo returns the requested seek target, if any.
func (o *ReadOptions) SeekTo() (time.Duration, bool) {
	if o == nil || !o.seek {
		return 0, false
	}
	return o.seekTo, true
}

// Source is a pull interface for compressed access units.
type Source interface {
	// Format of the stream, known as soon as the source is open.
	Format() Format

	// Read the next access unit. Returns io.EOF at the end of the stream.
	// The returned data is owned by the caller.
	Read(opts *ReadOptions) (*Packet, error)

	// Free up any resources associated with the source.
	Close() error
}
