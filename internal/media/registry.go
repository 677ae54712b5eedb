package media

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Open a source based on its "source spec". A source spec is a colon-separated string
// consisting of a source tag and a source path:
//    sourceSpec = sourceTag + ":" + sourcePath
// The format of the source path is defined by the registered OpenFunc. A spec
// without a tag is matched against the file extension of the path.
func OpenSource(spec string) (Source, error) {
	log.Debug("Registered source types: %v", RegisteredSourceTypes())

	var tag, path string
	if parts := strings.SplitN(spec, ":", 2); len(parts) == 2 {
		tag, path = parts[0], parts[1]
	} else {
		path = spec
		tag = extensionTags[strings.ToLower(extension(path))]
	}

	open, found := registry[tag]
	if !found {
		return nil, errors.Errorf("source type '%s' not registered", tag)
	}
	src, err := open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", spec)
	}
	return src, nil
}

// A function used to open a specific source type.
type OpenFunc func(path string) (Source, error)

var (
	registry      = map[string]OpenFunc{}
	extensionTags = map[string]string{}
)

// Register a source type, identified by its "source tag". Sources of this type will be
// opened with the given function. Paths ending in one of the extensions are
// opened with this type when the source spec carries no tag.
func RegisterSourceType(tag string, open OpenFunc, extensions ...string) {
	registry[tag] = open
	for _, ext := range extensions {
		extensionTags[ext] = tag
	}
}

// RegisteredSourceTypes returns the known source tags, sorted.
func RegisteredSourceTypes() []string {
	var tags []string
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func extension(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 && !strings.ContainsRune(path[i:], '/') {
		return path[i:]
	}
	return ""
}
