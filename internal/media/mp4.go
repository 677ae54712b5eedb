package media

import (
	"io"
	"os"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pkg/errors"

	"github.com/lanikai/alohaomx/internal/media/h264"
)

// OpenMP4 opens an MP4 file and returns its first H.264 video stream, or its
// first AAC audio stream if there is no video.
func OpenMP4(filename string) (Source, error) {
	log.Info("Opening file %s", filename)
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	src, err := newMP4Source(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	src.closer = file
	return src, nil
}

type mp4Source struct {
	demuxer *mp4.Demuxer
	closer  io.Closer

	// Index of the selected stream.
	idx    int8
	codec  av.CodecData
	format Format
}

func newMP4Source(r io.ReadSeeker) (*mp4Source, error) {
	demuxer := mp4.NewDemuxer(r)

	codecs, err := demuxer.Streams()
	if err != nil {
		return nil, err
	}

	src := &mp4Source{demuxer: demuxer, idx: -1}
	for i, codec := range codecs {
		switch cd := codec.(type) {
		case h264parser.CodecData:
			log.Info("%v stream: %dx%d", cd.Type(), cd.Width(), cd.Height())
			src.idx, src.codec = int8(i), codec
			src.format = Format{
				MIME:      MIMEVideoAVC,
				Width:     cd.Width(),
				Height:    cd.Height(),
				CodecData: [][]byte{cd.SPS(), cd.PPS()},
			}
		case aacparser.CodecData:
			if src.idx >= 0 {
				continue
			}
			log.Info("%v stream: %d Hz, %d channels", cd.Type(), cd.SampleRate(), cd.ChannelLayout().Count())
			src.idx, src.codec = int8(i), codec
			src.format = Format{
				MIME:       MIMEAudioAAC,
				SampleRate: cd.SampleRate(),
				Channels:   cd.ChannelLayout().Count(),
				CodecData:  [][]byte{cd.MPEG4AudioConfigBytes()},
			}
		default:
			log.Debug("Skipping %v stream", codec.Type())
		}
		if src.codec != nil && src.format.IsVideo() {
			break
		}
	}

	if src.codec == nil {
		return nil, ErrNoStream
	}
	return src, nil
}

func (s *mp4Source) Format() Format {
	return s.format
}

func (s *mp4Source) Read(opts *ReadOptions) (*Packet, error) {
	if target, ok := opts.SeekTo(); ok {
		// Lands on the sync sample at or before the target.
		if err := s.demuxer.SeekToTime(target); err != nil {
			return nil, errors.Wrapf(err, "seek to %v", target)
		}
	}

	for {
		pkt, err := s.demuxer.ReadPacket()
		if err != nil {
			return nil, err
		}
		if pkt.Idx != s.idx {
			continue
		}

		data := pkt.Data
		if s.codec.Type() == av.H264 {
			// MP4 stores length-prefixed NAL units; decoders here want Annex-B.
			nalus, _ := h264parser.SplitNALUs(data)
			data = h264.AnnexB(nalus...)
		} else {
			data = append([]byte(nil), data...)
		}

		return &Packet{
			Data:     data,
			Time:     pkt.Time,
			KeyFrame: pkt.IsKeyFrame,
		}, nil
	}
}

func (s *mp4Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func init() {
	RegisterSourceType("mp4", OpenMP4, ".mp4", ".m4v", ".m4a")
}
