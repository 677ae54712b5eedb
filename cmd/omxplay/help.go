package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `Decode a media file through an OpenMAX IL component

Usage: omxplay [OPTION]... [SOURCE]

Source:
  -i, --input=SPEC         Source spec, e.g. clip.mp4 or h264:clip.264

Component:
  -c, --component=NAME     Component to use (default: first matching role)
  -r, --remote=URL         Use components hosted by omxd, e.g. ws://host:8000/omx
      --components=FILE    Soft component specs to host in process (YAML)
  -q, --quirks=FILE        Additional quirk rules (YAML)
      --input-buffers=NUM  Input buffer count (default: component's choice)
      --output-buffers=NUM Output buffer count (default: component's choice)
  -t, --timeout=DURATION   Bound on each component command (default: 5s)

Playback:
  -s, --seek=DURATION      Seek before the first read, e.g. 1m30s
  -n, --frames=NUM         Stop after NUM frames

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version            Prints version information and exits

Logging is configured with LOGLEVEL, e.g. LOGLEVEL=info,omx=debug`

func help() {
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	y.Printf("omx")
	b.Println("play")
	fmt.Println(helpString)
}
