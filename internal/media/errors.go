//////////////////////////////////////////////////////////////////////////////
//
// Media errors
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package media

import "github.com/pkg/errors"

var (
	ErrNoStream     = errors.New("media: no compatible stream found")
	ErrNotSeekable  = errors.New("media: source cannot seek")
	errNotSupported = errors.New("media: not supported") // "can't do" items
)
