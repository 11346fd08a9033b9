// Package storage keeps a downscaled copy of every checked image together
// with its analysis metadata.
//
// Layout: <base>/<YYYY_MM>/<YYYYMMDD_HHMMSS>_<6 hex>.jpg plus a .json sidecar.
package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/provider"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Metadata is the analysis output stored next to an image
type Metadata struct {
	Tags         []provider.Tag
	DanbooruTags []provider.Tag
	Risk         provider.RiskScores
}

// Stored describes a stored image
type Stored struct {
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata"`
}

// Options configures a Store
type Options struct {
	BaseDir   string
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// Store writes images below a base directory
type Store struct {
	opts   Options
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a store. Zero options fall back to 1280x720 at quality 90.
func NewStore(opts Options, logger *zap.SugaredLogger) *Store {
	if opts.BaseDir == "" {
		opts.BaseDir = "scanned"
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 1280
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 720
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 90
	}
	return &Store{opts: opts, logger: logger.Named("storage"), now: time.Now}
}

// BaseDir returns the root directory
func (s *Store) BaseDir() string { return s.opts.BaseDir }

// Store decodes img, scales it to fit the configured box keeping its aspect
// ratio, and writes the JPEG and its metadata sidecar.
func (s *Store) Store(ctx context.Context, img []byte, meta Metadata) (Stored, error) {
	src, format, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return Stored{}, errors.Mark(errors.Wrap(err, "decode image"), errors.ErrInvalidPayload)
	}

	scaled := Fit(src, s.opts.MaxWidth, s.opts.MaxHeight)

	now := s.now()
	dir := filepath.Join(s.opts.BaseDir, now.Format("2006_01"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Stored{}, errors.Wrapf(err, "create %s", dir)
	}

	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return Stored{}, errors.Wrap(err, "generate file name")
	}
	path := filepath.Join(dir, now.Format("20060102_150405")+"_"+hex.EncodeToString(suffix)+".jpg")

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: s.opts.Quality}); err != nil {
		return Stored{}, errors.Wrap(err, "encode jpeg")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return Stored{}, errors.Wrapf(err, "write %s", path)
	}

	bounds := scaled.Bounds()
	doc := sidecar(bounds.Dx(), bounds.Dy(), meta)
	data, err := json.Marshal(doc)
	if err != nil {
		return Stored{}, errors.Wrap(err, "encode metadata")
	}
	metaPath := strings.TrimSuffix(path, ".jpg") + ".json"
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return Stored{}, errors.Wrapf(err, "write %s", metaPath)
	}

	s.logger.Infow("Stored image", "path", path, "format", format, "width", bounds.Dx(), "height", bounds.Dy())
	return Stored{Path: path, Metadata: doc}, nil
}

// sidecar builds the metadata document. Risk scores are flattened into the
// top level; they never replace the fixed keys.
func sidecar(width, height int, meta Metadata) map[string]any {
	doc := make(map[string]any, 4+len(meta.Risk))
	for category, score := range meta.Risk {
		doc[category] = score
	}
	doc["width"] = width
	doc["height"] = height
	doc["tags"] = meta.Tags
	doc["danbooru_tags"] = meta.DanbooruTags
	return doc
}

// Fit scales src down to fit within maxW x maxH keeping the aspect ratio.
// Images that already fit are returned unchanged.
func Fit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}

	var nw, nh int
	if w*maxH > h*maxW {
		nw, nh = maxW, h*maxW/w
	} else {
		nw, nh = w*maxH/h, maxH
	}
	nw, nh = max(1, nw), max(1, nh)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
