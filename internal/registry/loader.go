// Package registry discovers model images on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"layerstream/internal/common/fsutil"
	"layerstream/internal/errs"
	"layerstream/internal/modelimage"
	"layerstream/pkg/types"
)

// Ext is the file extension of model images.
const Ext = ".tmai"

// ImageScanner finds model images in a directory and reads their headers.
type ImageScanner struct {
	// MaxLayers bounds the table of contents; zero uses the format default.
	MaxLayers int
	Logger    *zerolog.Logger
}

func NewImageScanner() *ImageScanner { return &ImageScanner{} }

// Scan returns one Model per valid *.tmai file in dir, in file name order.
// ID is the full filename; Path is the absolute file path. Files whose
// header does not parse are logged and skipped.
func (s *ImageScanner) Scan(dir string) ([]types.Model, error) {
	log := zerolog.Nop()
	if s.Logger != nil {
		log = *s.Logger
	}
	abs, err := fsutil.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if !fsutil.PathExists(abs) {
		return nil, errs.New("registry.Scan", errs.NotFound, "no model directory at "+abs)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), Ext) {
			continue
		}
		p := filepath.Join(abs, name)
		im, err := modelimage.ReadFile(p, s.MaxLayers)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("skipping unreadable image")
			continue
		}
		models = append(models, types.Model{
			ID:         name,
			Name:       im.Name,
			Path:       p,
			Version:    im.Version,
			LayerCount: im.LayerCount(),
			SizeBytes:  im.Size,
		})
	}
	return models, nil
}

// LoadDir scans dir with a default ImageScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewImageScanner().Scan(dir)
}
