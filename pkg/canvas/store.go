package canvas

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrNotReady = errors.New("canvas store is not initialized")

// Store owns the authoritative raster. Writers and snapshot readers are
// serialized so a snapshot always reflects a fully applied prefix of updates.
type Store struct {
	width, height int

	mu     sync.RWMutex
	raster *Raster
	ready  bool
}

// NewStore returns an uninitialized store. Call Default or Load before serving.
func NewStore(width, height int) (*Store, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canvas dimensions %dx%d", width, height)
	}
	return &Store{width: width, height: height}, nil
}

func (s *Store) Width() int  { return s.width }
func (s *Store) Height() int { return s.height }

// Contains reports whether (x, y) lies inside [0,W)x[0,H).
func (s *Store) Contains(x, y uint32) bool {
	return uint64(x) < uint64(s.width) && uint64(y) < uint64(s.height)
}

func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Default fills the store with a white raster and marks it ready.
func (s *Store) Default() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raster = NewRaster(s.width, s.height)
	s.ready = true
}

// Load decodes an encoded snapshot into the store and marks it ready.
func (s *Store) Load(r io.Reader) error {
	raster, err := DecodeRaster(r, s.width, s.height)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raster = raster
	s.ready = true
	return nil
}

// Apply overwrites a single pixel.
func (s *Store) Apply(u PixelUpdate) error {
	if !s.Contains(u.X, u.Y) {
		return fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, u.X, u.Y)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raster == nil {
		return ErrNotReady
	}
	s.raster.Set(u.X, u.Y, u.Color)
	return nil
}

func (s *Store) At(x, y uint32) (Color, error) {
	if !s.Contains(x, y) {
		return Color{}, fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, x, y)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raster == nil {
		return Color{}, ErrNotReady
	}
	return s.raster.At(x, y), nil
}

// Snapshot returns an independent copy of the current raster.
func (s *Store) Snapshot() (*Raster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, ErrNotReady
	}
	return s.raster.Clone(), nil
}
