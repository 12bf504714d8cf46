// Package playlist sequences enqueue/play/skip over a query connection.
// It only knows the generic Send interface the client exposes; playback
// itself happens server side.
package playlist

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/rismo/queryline/protocol"
)

var (
	ErrQueueEmpty = errors.New("the playlist has no track to play")
	ErrEndOfQueue = errors.New("reached the end of the playlist")
)

// Sender is the slice of the query client the orchestrator needs.
type Sender interface {
	Send(cmd *protocol.Command, shape protocol.Shape) (*protocol.Response, error)
}

// Track is one playlist entry.
type Track struct {
	ID    uuid.UUID
	Title string
	URI   string
}

// Queue is a now-playing orchestrator: an ordered list of tracks plus a
// cursor, driving playback through a Sender.
type Queue struct {
	sender Sender
	log    *zap.Logger

	mu     sync.Mutex
	tracks []Track
	pos    int // index of the playing track, -1 before playback starts
}

func NewQueue(sender Sender, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}

	return &Queue{
		sender: sender,
		log:    log,
		pos:    -1,
	}
}

// Enqueue appends a track and returns it with its assigned id.
func (q *Queue) Enqueue(title, uri string) Track {
	track := Track{ID: uuid.New(), Title: title, URI: uri}

	q.mu.Lock()
	q.tracks = append(q.tracks, track)
	q.mu.Unlock()

	q.log.Info("Enqueued track",
		zap.String("id", track.ID.String()),
		zap.String("title", title))

	return track
}

// Tracks returns a copy of the queue in order.
func (q *Queue) Tracks() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	tracks := make([]Track, len(q.tracks))
	copy(tracks, q.tracks)

	return tracks
}

// Current returns the playing track, if any.
func (q *Queue) Current() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pos < 0 || q.pos >= len(q.tracks) {
		return Track{}, false
	}

	return q.tracks[q.pos], true
}

// Play starts the current track, or the first one if playback has not
// started yet. Past the end of the queue there is nothing to start and
// Play reports ErrEndOfQueue.
func (q *Queue) Play() error {
	q.mu.Lock()

	if len(q.tracks) == 0 {
		q.mu.Unlock()
		return ErrQueueEmpty
	}

	if q.pos < 0 {
		q.pos = 0
	}

	if q.pos >= len(q.tracks) {
		q.mu.Unlock()
		return ErrEndOfQueue
	}

	track := q.tracks[q.pos]
	q.mu.Unlock()

	return q.startPlayback(track)
}

// Skip advances past the current track and starts the next one. At the end
// of the queue it stops playback and returns ErrEndOfQueue.
func (q *Queue) Skip() error {
	q.mu.Lock()

	if q.pos+1 >= len(q.tracks) {
		q.pos = len(q.tracks)
		q.mu.Unlock()

		if err := q.Stop(); err != nil {
			return err
		}

		return ErrEndOfQueue
	}

	q.pos++
	track := q.tracks[q.pos]
	q.mu.Unlock()

	return q.startPlayback(track)
}

// Stop halts playback on the server. The cursor is untouched.
func (q *Queue) Stop() error {
	_, err := q.sender.Send(protocol.NewCommand("audiostop"), protocol.ShapeStatus)
	return err
}

func (q *Queue) startPlayback(track Track) error {
	cmd := protocol.NewCommand("audiostart").
		With("uri", track.URI).
		With("track", track.ID.String())

	if _, err := q.sender.Send(cmd, protocol.ShapeStatus); err != nil {
		return fmt.Errorf("failed to start %q: %w", track.Title, err)
	}

	q.log.Info("Started track",
		zap.String("id", track.ID.String()),
		zap.String("title", track.Title))

	return nil
}

// Snapshot serialises the queue and cursor into one JSON document.
func (q *Queue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc := []byte(`{"tracks":[]}`)

	doc, err := sjson.SetBytes(doc, "position", q.pos)
	if err != nil {
		return nil, err
	}

	for i, track := range q.tracks {
		prefix := "tracks." + strconv.Itoa(i)

		if doc, err = sjson.SetBytes(doc, prefix+".id", track.ID.String()); err != nil {
			return nil, err
		}
		if doc, err = sjson.SetBytes(doc, prefix+".title", track.Title); err != nil {
			return nil, err
		}
		if doc, err = sjson.SetBytes(doc, prefix+".uri", track.URI); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// Restore replaces the queue with the contents of a Snapshot document.
func (q *Queue) Restore(doc []byte) error {
	var tracks []Track

	var parseErr error
	gjson.GetBytes(doc, "tracks").ForEach(func(_, raw gjson.Result) bool {
		id, err := uuid.Parse(raw.Get("id").String())
		if err != nil {
			parseErr = fmt.Errorf("playlist document has a bad track id: %w", err)
			return false
		}

		tracks = append(tracks, Track{
			ID:    id,
			Title: raw.Get("title").String(),
			URI:   raw.Get("uri").String(),
		})

		return true
	})

	if parseErr != nil {
		return parseErr
	}

	pos := int(gjson.GetBytes(doc, "position").Int())
	if pos < -1 || pos > len(tracks) {
		return fmt.Errorf("playlist document has an out of range position %d", pos)
	}

	q.mu.Lock()
	q.tracks = tracks
	q.pos = pos
	q.mu.Unlock()

	return nil
}
