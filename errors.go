package alohaomx

import "github.com/pkg/errors"

var (
	errNoSource = errors.New("no source configured")
	errClosed   = errors.New("player closed")
)
