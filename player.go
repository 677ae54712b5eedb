//////////////////////////////////////////////////////////////////////////////
//
// Player decodes a media source through an OpenMAX IL component
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohaomx

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/omxrpc"
	"github.com/lanikai/alohaomx/internal/softomx"
)

var log = logging.DefaultLogger.WithTag("alohaomx")

// Player owns a source, the component host and the decoder between them.
type Player struct {
	source  media.Source
	remote  *omxrpc.Client
	decoder *omx.Decoder

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// Stats counts what a Player has delivered. Seeks counts requests, including
// those that ended the stream.
type Stats struct {
	Frames     int
	Bytes      int
	SyncFrames int
	Seeks      int
	LastTime   time.Duration
}

// Open opens the configured source and instantiates a component for it. The
// decoder is not started.
func Open(ctx context.Context, cfg Config) (*Player, error) {
	if cfg.Source == "" {
		return nil, errNoSource
	}

	table, err := cfg.quirkTable()
	if err != nil {
		return nil, err
	}

	source, err := media.OpenSource(cfg.Source)
	if err != nil {
		return nil, err
	}

	p := &Player{source: source}

	var client omx.Client
	if cfg.Remote != "" {
		p.remote, err = omxrpc.Dial(ctx, cfg.Remote)
		if err != nil {
			source.Close()
			return nil, err
		}
		p.remote.Timeout = cfg.CallTimeout
		client = p.remote
	} else {
		client = softomx.NewClient(cfg.SoftComponents...)
	}

	p.decoder, err = omx.NewDecoder(client, source.Format(), source, omx.Options{
		ComponentName:     cfg.Component,
		QuirkTable:        table,
		InputBufferCount:  cfg.InputBuffers,
		OutputBufferCount: cfg.OutputBuffers,
		CommandTimeout:    cfg.CommandTimeout,
	})
	if err != nil {
		p.closeTransport()
		return nil, errors.Wrap(err, "create decoder")
	}

	log.Info("Decoding %s with %s (quirks: %v)", cfg.Source, p.decoder.Name(), p.decoder.Quirks())
	return p, nil
}

func (p *Player) Decoder() *omx.Decoder {
	return p.decoder
}

func (p *Player) Start() error {
	return p.decoder.Start(nil)
}

// Read returns the next decoded buffer. If seek is non-negative, decoding
// restarts at that position first. The caller releases the buffer.
func (p *Player) Read(seek time.Duration) (*omx.MediaBuffer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	p.mu.Unlock()

	var opts *media.ReadOptions
	if seek >= 0 {
		opts = &media.ReadOptions{}
		opts.SetSeekTo(seek)
		p.mu.Lock()
		p.stats.Seeks++
		p.mu.Unlock()
	}
	buf, err := p.decoder.Read(opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.Frames++
	p.stats.Bytes += buf.Len()
	if buf.SyncFrame {
		p.stats.SyncFrames++
	}
	p.stats.LastTime = buf.Time
	p.mu.Unlock()
	return buf, nil
}

func (p *Player) Format() (media.Format, error) {
	return p.decoder.Format()
}

func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the decoder and releases the source and the transport.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.decoder.Stop()
	p.closeTransport()
	return err
}

func (p *Player) closeTransport() {
	if err := p.source.Close(); err != nil {
		log.Warn("Failed to close source: %v", err)
	}
	if p.remote != nil {
		p.remote.Close()
	}
}
