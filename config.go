//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for a Player
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohaomx

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/softomx"
)

type Config struct {
	// Source spec, e.g. "h264:clip.264" or "clip.mp4". See media.OpenSource.
	Source string

	// Component to instantiate. Empty selects by role.
	Component string

	// Websocket URL of an omxd host. Empty runs soft components in process.
	Remote string

	// Soft components to host in process. Empty means softomx.DefaultSpecs.
	SoftComponents []softomx.Spec

	// YAML quirk rules added to the built-in table.
	QuirkFile string

	InputBuffers  int
	OutputBuffers int

	CommandTimeout time.Duration
	CallTimeout    time.Duration
}

// quirkTable returns the built-in table, extended by the rules in QuirkFile.
func (c *Config) quirkTable() (*omx.QuirkTable, error) {
	if c.QuirkFile == "" {
		return omx.DefaultQuirks, nil
	}
	data, err := ioutil.ReadFile(c.QuirkFile)
	if err != nil {
		return nil, errors.Wrap(err, "read quirk file")
	}
	extra, err := omx.ParseQuirkTable(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", c.QuirkFile)
	}
	table := omx.DefaultQuirks.Clone()
	table.Merge(extra)
	return table, nil
}

// LoadSoftComponents reads a YAML list of soft component specs.
func LoadSoftComponents(filename string) ([]softomx.Spec, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read component file")
	}
	specs, err := softomx.ParseSpecs(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", filename)
	}
	return specs, nil
}
