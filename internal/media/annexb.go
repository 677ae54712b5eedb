package media

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pkg/errors"

	"github.com/lanikai/alohaomx/internal/media/h264"
)

const (
	naluBufferInitialSize = 16 * 1024
	naluBufferMaximumSize = 1024 * 1024

	// Raw H.264 carries no timing, so frames are spaced evenly.
	DefaultFrameRate = 30
)

// Raw H.264 source with NALUs separated by Annex B start codes. Parameter
// sets are reported through Format().CodecData and not repeated as packets;
// every coded slice becomes one packet.
type annexBReader struct {
	in      io.ReadSeeker
	closer  io.Closer
	scanner *bufio.Scanner
	format  Format

	frameDuration time.Duration
	frames        int
}

// NewAnnexBReader wraps an H.264 byte stream. The stream is scanned once up
// front for SPS and PPS, then rewound.
func NewAnnexBReader(in io.ReadSeeker, frameRate int) (Source, error) {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	r := &annexBReader{
		in:            in,
		frameDuration: time.Second / time.Duration(frameRate),
		format:        Format{MIME: MIMEVideoAVC},
	}
	if c, ok := in.(io.Closer); ok {
		r.closer = c
	}

	if err := r.probe(); err != nil {
		return nil, err
	}
	if err := r.rewind(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *annexBReader) probe() error {
	if err := r.rewind(); err != nil {
		return err
	}

	var sps, pps []byte
	for (sps == nil || pps == nil) && r.scanner.Scan() {
		nalu := h264.NALU(r.scanner.Bytes())
		if len(nalu) == 0 {
			continue
		}
		switch nalu.Type() {
		case h264.TypeSPS:
			sps = append([]byte(nil), nalu...)
		case h264.TypePPS:
			pps = append([]byte(nil), nalu...)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return err
	}
	if sps == nil || pps == nil {
		return errors.Wrap(ErrNoStream, "no SPS/PPS in H.264 stream")
	}

	r.format.CodecData = [][]byte{sps, pps}
	if info, err := h264parser.ParseSPS(sps); err == nil {
		r.format.Width = int(info.Width)
		r.format.Height = int(info.Height)
	} else {
		log.Debug("Cannot parse SPS: %v", err)
	}
	return nil
}

func (r *annexBReader) rewind() error {
	if _, err := r.in.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(ErrNotSeekable, err.Error())
	}
	r.scanner = bufio.NewScanner(r.in)
	r.scanner.Buffer(make([]byte, naluBufferInitialSize), naluBufferMaximumSize)
	r.scanner.Split(h264.SplitAnnexB)
	r.frames = 0
	return nil
}

func (r *annexBReader) Format() Format {
	return r.format
}

func (r *annexBReader) Read(opts *ReadOptions) (*Packet, error) {
	target, seeking := opts.SeekTo()
	if seeking {
		if err := r.rewind(); err != nil {
			return nil, err
		}
		log.Debug("Seeking H.264 stream to %v", target)
	}

	for r.scanner.Scan() {
		nalu := h264.NALU(r.scanner.Bytes())
		if len(nalu) == 0 || !nalu.IsVCL() {
			continue
		}

		pkt := &Packet{
			Data:     h264.AnnexB(nalu),
			Time:     r.frameTime(r.frames),
			KeyFrame: nalu.Type() == h264.TypeIDR,
		}
		r.frames++

		if seeking && (pkt.Time < target || !pkt.KeyFrame) {
			continue
		}
		return pkt, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// frameTime is kept to whole microseconds, the finest unit a component
// timestamp carries, so times survive the trip through a decoder.
func (r *annexBReader) frameTime(n int) time.Duration {
	return (time.Duration(n) * r.frameDuration).Truncate(time.Microsecond)
}

func (r *annexBReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func openH264(filename string) (Source, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	src, err := NewAnnexBReader(f, DefaultFrameRate)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

func init() {
	RegisterSourceType("h264", openH264, ".h264", ".264")
}
