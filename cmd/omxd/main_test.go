package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/softomx"
)

type brokenClient struct {
	omx.Client
}

func (brokenClient) ListComponents() ([]omx.ComponentInfo, error) {
	return nil, errors.New("no registry")
}

func TestAnnounce(t *testing.T) {
	names, err := announce(softomx.NewClient())
	require.NoError(t, err)
	assert.Contains(t, names, "OMX.aloha.video.decoder")

	_, err = announce(brokenClient{})
	assert.EqualError(t, err, "no registry")
}
