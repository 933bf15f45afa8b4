package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/example/ride-dispatch/internal/geofence"
)

// GeofenceFile reads definitions from a JSON file and writes edits back to it.
type GeofenceFile struct {
	Path string

	mu sync.Mutex
}

func (f *GeofenceFile) Load(_ context.Context) ([]geofence.Geofence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *GeofenceFile) read() ([]geofence.Geofence, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return geofence.Parse(b)
}

func (f *GeofenceFile) Save(_ context.Context, g geofence.Geofence) error {
	return f.edit(func(fences []geofence.Geofence) ([]geofence.Geofence, error) {
		for i := range fences {
			if fences[i].ID == g.ID {
				fences[i] = g
				return fences, nil
			}
		}
		return append(fences, g), nil
	})
}

func (f *GeofenceFile) SetActive(_ context.Context, id string, active bool) error {
	return f.edit(func(fences []geofence.Geofence) ([]geofence.Geofence, error) {
		for i := range fences {
			if fences[i].ID == id {
				fences[i].Active = active
				return fences, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", geofence.ErrNotFound, id)
	})
}

// edit rewrites the file atomically through a temp file in the same dir.
func (f *GeofenceFile) edit(fn func([]geofence.Geofence) ([]geofence.Geofence, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fences, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	fences, err = fn(fences)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(fences, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".geofences-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
