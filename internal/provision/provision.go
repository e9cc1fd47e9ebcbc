// Package provision loads the set of tracked bus lines from a YAML file.
package provision

import (
	"context"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// File is the provisioning document:
//
//	lines:
//	  - ref: MTA NYCT_B63
//	    name: B63 Fifth Ave / Atlantic Ave
type File struct {
	Lines []Line `yaml:"lines" validate:"required,min=1,dive"`
}

type Line struct {
	Ref  string `yaml:"ref" validate:"required"`
	Name string `yaml:"name"`
}

func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode lines file: %w", err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid lines file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Lines))
	for _, l := range f.Lines {
		if _, dup := seen[l.Ref]; dup {
			return nil, fmt.Errorf("invalid lines file: duplicate line %q", l.Ref)
		}
		seen[l.Ref] = struct{}{}
	}
	return &f, nil
}

type Store interface {
	UpsertLine(ctx context.Context, lineRef, name string) (int64, error)
}

// Refresher fetches a line's stop order.
type Refresher interface {
	Refresh(ctx context.Context, lineRef string) (map[int][]string, error)
}

// Apply upserts every line and, when refresher is non-nil, loads its stops.
// A failed stop refresh is logged and does not stop provisioning; the cache
// retries it on first use.
func Apply(ctx context.Context, store Store, refresher Refresher, f *File) error {
	for _, l := range f.Lines {
		id, err := store.UpsertLine(ctx, l.Ref, l.Name)
		if err != nil {
			return err
		}
		ev := log.Info().Str("line", l.Ref).Int64("id", id)
		if refresher != nil {
			lists, err := refresher.Refresh(ctx, l.Ref)
			if err != nil {
				log.Warn().Err(err).Str("line", l.Ref).Msg("stop refresh failed")
			} else {
				ev = ev.Int("directions", len(lists))
			}
		}
		ev.Msg("line provisioned")
	}
	return nil
}
