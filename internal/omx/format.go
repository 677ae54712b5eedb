package omx

import (
	"strings"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/media"
)

// Domain of a port.
type Domain int

const (
	DomainVideo Domain = iota
	DomainAudio
)

// VideoCoding is the compression format of a video port.
type VideoCoding uint32

const (
	VideoCodingUnused VideoCoding = iota
	VideoCodingMPEG4
	VideoCodingH263
	VideoCodingAVC
)

// AudioCoding is the compression format of an audio port.
type AudioCoding uint32

const (
	AudioCodingPCM AudioCoding = iota
	AudioCodingAAC
	AudioCodingAMR
	AudioCodingMP3
)

// ColorFormat of raw video.
type ColorFormat uint32

const (
	ColorFormatUnused           ColorFormat = 0
	ColorFormatYUV420Planar     ColorFormat = 0x13
	ColorFormatYUV420SemiPlanar ColorFormat = 0x15
)

type VideoPortFormat struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Stride      int         `json:"stride"`
	SliceHeight int         `json:"sliceHeight"`
	BitRate     int         `json:"bitRate,omitempty"`
	Coding      VideoCoding `json:"coding"`
	Color       ColorFormat `json:"color"`
}

type AudioPortFormat struct {
	Coding      AudioCoding `json:"coding"`
	SampleRate  int         `json:"sampleRate"`
	Channels    int         `json:"channels"`
	AMRWideband bool        `json:"amrWideband,omitempty"`
}

// PortDefinition mirrors the component's port definition parameter.
type PortDefinition struct {
	Port              PortIndex       `json:"port"`
	Enabled           bool            `json:"enabled"`
	BufferCountActual int             `json:"bufferCountActual"`
	BufferCountMin    int             `json:"bufferCountMin"`
	BufferSize        int             `json:"bufferSize"`
	Domain            Domain          `json:"domain"`
	Video             VideoPortFormat `json:"video"`
	Audio             AudioPortFormat `json:"audio"`
}

var videoCodings = map[string]VideoCoding{
	media.MIMEVideoAVC:   VideoCodingAVC,
	media.MIMEVideoMPEG4: VideoCodingMPEG4,
	media.MIMEVideoH263:  VideoCodingH263,
}

var roleNames = map[string]string{
	media.MIMEVideoAVC:   "avc",
	media.MIMEVideoMPEG4: "mpeg4",
	media.MIMEVideoH263:  "h263",
	media.MIMEAudioAAC:   "aac",
	media.MIMEAudioAMRNB: "amrnb",
	media.MIMEAudioAMRWB: "amrwb",
	media.MIMEAudioMPEG:  "mp3",
}

// Role returns the standard component role for a MIME type, e.g.
// "video_decoder.avc".
func Role(mime string, encoder bool) (string, error) {
	name, ok := roleNames[mime]
	if !ok {
		return "", errors.Errorf("omx: no component role for %q: %w", mime, ErrStartFailure)
	}
	kind := "decoder"
	if encoder {
		kind = "encoder"
	}
	domain := "audio"
	if strings.HasPrefix(mime, "video/") {
		domain = "video"
	}
	return domain + "_" + kind + "." + name, nil
}

// MatchingComponents lists the components of a client that implement the role
// for mime, in the client's order.
func MatchingComponents(client Client, mime string, encoder bool) ([]string, error) {
	role, err := Role(mime, encoder)
	if err != nil {
		return nil, err
	}
	infos, err := client.ListComponents()
	if err != nil {
		return nil, transportError("list components", err)
	}

	var names []string
	for _, info := range infos {
		for _, r := range info.Roles {
			if r == role {
				names = append(names, info.Name)
				break
			}
		}
	}
	return names, nil
}

// Raw output frames are YUV 4:2:0.
func yuv420Size(width, height int) int {
	return width * height * 3 / 2
}

// configurePortsLocked applies the format setters for the stream. Encoders
// take raw input and produce format.MIME; decoders the other way around.
func (d *Decoder) configurePortsLocked(format media.Format) error {
	var err error
	switch {
	case format.IsVideo() && d.encoder:
		err = d.setVideoInputFormat(format)
	case format.IsVideo():
		err = d.setVideoOutputFormat(format)
	case format.MIME == media.MIMEAudioAAC:
		err = d.setAACFormat(format.SampleRate, format.Channels)
	case format.MIME == media.MIMEAudioAMRNB:
		err = d.setAMRFormat(false)
	case format.MIME == media.MIMEAudioAMRWB:
		err = d.setAMRFormat(true)
	default:
		log.Debug("%s: no format setter for %s, using component defaults", d.name, format.MIME)
	}
	if err != nil {
		return err
	}

	d.dumpPortDefinition(PortInput)
	d.dumpPortDefinition(PortOutput)
	return d.refreshOutputFormatLocked()
}

// Decoder: compressed input, raw YUV output of the same geometry.
func (d *Decoder) setVideoOutputFormat(format media.Format) error {
	coding, ok := videoCodings[format.MIME]
	if !ok {
		return errors.Errorf("omx: unsupported video type %q: %w", format.MIME, ErrStartFailure)
	}

	if err := d.updatePort(PortInput, func(def *PortDefinition) {
		def.Domain = DomainVideo
		def.Video.Width, def.Video.Height = format.Width, format.Height
		def.Video.Coding = coding
		def.Video.Color = ColorFormatUnused
		if def.BufferSize == 0 {
			def.BufferSize = yuv420Size(format.Width, format.Height) / 2
		}
	}); err != nil {
		return err
	}

	return d.updatePort(PortOutput, func(def *PortDefinition) {
		def.Domain = DomainVideo
		def.Video.Width, def.Video.Height = format.Width, format.Height
		def.Video.Stride, def.Video.SliceHeight = format.Width, format.Height
		def.Video.Coding = VideoCodingUnused
		def.Video.Color = ColorFormatYUV420Planar
		if n := yuv420Size(format.Width, format.Height); def.BufferSize < n {
			def.BufferSize = n
		}
	})
}

// Encoder: raw YUV input, compressed output.
func (d *Decoder) setVideoInputFormat(format media.Format) error {
	coding, ok := videoCodings[format.MIME]
	if !ok {
		return errors.Errorf("omx: unsupported video type %q: %w", format.MIME, ErrStartFailure)
	}

	if err := d.updatePort(PortInput, func(def *PortDefinition) {
		def.Domain = DomainVideo
		def.Video.Width, def.Video.Height = format.Width, format.Height
		def.Video.Stride, def.Video.SliceHeight = format.Width, format.Height
		def.Video.Coding = VideoCodingUnused
		def.Video.Color = ColorFormatYUV420Planar
		if n := yuv420Size(format.Width, format.Height); def.BufferSize < n {
			def.BufferSize = n
		}
	}); err != nil {
		return err
	}

	return d.updatePort(PortOutput, func(def *PortDefinition) {
		def.Domain = DomainVideo
		def.Video.Width, def.Video.Height = format.Width, format.Height
		def.Video.BitRate = format.BitRate
		def.Video.Coding = coding
		def.Video.Color = ColorFormatUnused
	})
}

func (d *Decoder) setAACFormat(sampleRate, channels int) error {
	return d.setAudioFormat(AudioCodingAAC, sampleRate, channels, false)
}

func (d *Decoder) setAMRFormat(wideband bool) error {
	rate := 8000
	if wideband {
		rate = 16000
	}
	return d.setAudioFormat(AudioCodingAMR, rate, 1, wideband)
}

// setAudioFormat puts the coded format on the compressed port and PCM of the
// same rate on the other.
func (d *Decoder) setAudioFormat(coding AudioCoding, sampleRate, channels int, wideband bool) error {
	coded, pcm := PortInput, PortOutput
	if d.encoder {
		coded, pcm = PortOutput, PortInput
	}
	if err := d.updatePort(coded, func(def *PortDefinition) {
		def.Domain = DomainAudio
		def.Audio = AudioPortFormat{Coding: coding, SampleRate: sampleRate, Channels: channels, AMRWideband: wideband}
	}); err != nil {
		return err
	}
	return d.updatePort(pcm, func(def *PortDefinition) {
		def.Domain = DomainAudio
		def.Audio = AudioPortFormat{Coding: AudioCodingPCM, SampleRate: sampleRate, Channels: channels}
	})
}

// updatePort reads a port definition, lets fn modify it and writes it back.
func (d *Decoder) updatePort(port PortIndex, fn func(*PortDefinition)) error {
	def, err := d.comp.GetPortDefinition(port)
	if err != nil {
		return transportError("get "+port.String()+" port definition", err)
	}
	fn(&def)
	def.Port = port
	if err := d.comp.SetPortDefinition(def); err != nil {
		return transportError("set "+port.String()+" port definition", err)
	}
	return nil
}

// refreshOutputFormatLocked derives the consumer-visible format from the
// output port definition.
func (d *Decoder) refreshOutputFormatLocked() error {
	def, err := d.comp.GetPortDefinition(PortOutput)
	if err != nil {
		return transportError("get output port definition", err)
	}

	f := media.Format{Duration: d.inputFormat.Duration}
	switch def.Domain {
	case DomainVideo:
		f.Width, f.Height = def.Video.Width, def.Video.Height
		f.MIME = media.MIMEVideoRaw
		if d.encoder {
			f.MIME = d.inputFormat.MIME
			f.BitRate = def.Video.BitRate
		}
	case DomainAudio:
		f.SampleRate, f.Channels = def.Audio.SampleRate, def.Audio.Channels
		if f.SampleRate == 0 {
			f.SampleRate = d.inputFormat.SampleRate
		}
		if f.Channels == 0 {
			f.Channels = d.inputFormat.Channels
		}
		f.MIME = media.MIMEAudioRaw
		if d.encoder {
			f.MIME = d.inputFormat.MIME
		}
	}
	d.outputFormat = &f
	return nil
}

func (d *Decoder) dumpPortDefinition(port PortIndex) {
	if !log.Enabled(logging.Debug) {
		return
	}
	def, err := d.comp.GetPortDefinition(port)
	if err != nil {
		log.Debug("%s: %v port definition unavailable: %v", d.name, port, err)
		return
	}
	switch def.Domain {
	case DomainVideo:
		log.Debug("%s: %v port: %d x %d bytes (min %d), video %dx%d coding=%d color=%#x",
			d.name, port, def.BufferCountActual, def.BufferSize, def.BufferCountMin,
			def.Video.Width, def.Video.Height, def.Video.Coding, def.Video.Color)
	case DomainAudio:
		log.Debug("%s: %v port: %d x %d bytes (min %d), audio coding=%d %d Hz %d ch",
			d.name, port, def.BufferCountActual, def.BufferSize, def.BufferCountMin,
			def.Audio.Coding, def.Audio.SampleRate, def.Audio.Channels)
	}
}
