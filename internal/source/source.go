// Package source ingests records from a directory tree, for producers
// that write files instead of speaking HTTP.
//
// Layout is <root>/<channel>/<anchor>/<type>/<id>.json with one JSON
// object per file. Creating or writing a file publishes it, removing
// one tombstones it, and removing a whole anchor directory resets the
// anchor. Non-conforming paths and malformed payloads are logged and
// skipped.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/statecast-project/statecast/internal/relay"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

const fileExt = ".json"

type Source struct {
	root    string
	relay   *relay.Relay
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// Option configures the source.
type Option func(*Source)

// WithLogger sets the source's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Source) { s.log = log }
}

// New prepares a watcher over root. Nothing is read until Run.
func New(root string, rl *relay.Relay, opts ...Option) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	s := &Source{
		root:    filepath.Clean(root),
		relay:   rl,
		watcher: watcher,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run walks the existing tree once to seed state, then follows
// filesystem events until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	defer s.watcher.Close()

	if err := s.addTree(ctx, s.root); err != nil {
		return fmt.Errorf("seed %s: %w", s.root, err)
	}
	s.log.Info().Str("root", s.root).Msg("source watching")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handle(ctx, event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (s *Source) handle(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return // raced with a remove
		}
		if info.IsDir() {
			// new directories must be watched before their contents
			// settle, and walked for files that landed in between
			if err := s.addTree(ctx, event.Name); err != nil {
				s.log.Warn().Err(err).Str("path", event.Name).Msg("watch new directory")
			}
			return
		}
		s.publishFile(ctx, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.removePath(ctx, event.Name)
	}
}

// addTree watches dir and every directory below it, publishing the
// files already present.
func (s *Source) addTree(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			s.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return nil
		}
		if d.IsDir() {
			if err := s.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		s.publishFile(ctx, path)
		return nil
	})
}

func (s *Source) publishFile(ctx context.Context, path string) {
	addr, err := s.parsePath(path)
	if err != nil {
		s.log.Debug().Err(err).Str("path", path).Msg("ignoring file")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("read failed")
		return
	}
	if len(data) == 0 {
		return // creation races the first write
	}
	var rec delta.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("malformed JSON, skipping")
		return
	}

	// the path is the identity, whatever the payload says
	rec[instance.KeyType] = addr.typ
	rec[instance.KeyID] = addr.id

	res, err := s.relay.Publish(ctx, addr.channel, addr.anchor, rec)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("publish failed")
		return
	}
	if res.Changed {
		s.log.Debug().
			Str("channel", addr.channel).
			Int64("anchor", addr.anchor).
			Str("type", addr.typ).
			Int64("id", addr.id).
			Msg("published from file")
	}
}

func (s *Source) removePath(ctx context.Context, path string) {
	if addr, err := s.parsePath(path); err == nil {
		if _, err := s.relay.Delete(ctx, addr.channel, addr.anchor, addr.typ, addr.id); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("tombstone failed")
		}
		return
	}
	// a vanished anchor directory clears everything under it
	if channelName, anchor, ok := s.parseAnchorDir(path); ok {
		if err := s.relay.Reset(ctx, channelName, anchor); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("anchor reset failed")
		}
	}
}

// fileAddr is the identity encoded in an instance file's path.
type fileAddr struct {
	channel string
	anchor  int64
	typ     string
	id      int64
}

func (s *Source) parsePath(path string) (fileAddr, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return fileAddr{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return fileAddr{}, fmt.Errorf("want <channel>/<anchor>/<type>/<id>%s, got %s", fileExt, rel)
	}
	name, ok := strings.CutSuffix(parts[3], fileExt)
	if !ok {
		return fileAddr{}, fmt.Errorf("not a %s file: %s", fileExt, rel)
	}
	anchor, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fileAddr{}, fmt.Errorf("anchor %q: %w", parts[1], err)
	}
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return fileAddr{}, fmt.Errorf("id %q: %w", name, err)
	}
	return fileAddr{channel: parts[0], anchor: anchor, typ: parts[2], id: id}, nil
}

func (s *Source) parseAnchorDir(path string) (string, int64, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", 0, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", 0, false
	}
	anchor, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], anchor, true
}
