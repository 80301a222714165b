package upgrade

import "time"

// EventKind names a detector lifecycle event.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventNewVersion  EventKind = "new_version"
	EventFetchFailed EventKind = "fetch_failed"
	EventCancelled   EventKind = "cancelled"
)

// Event is delivered to Options.OnEvent.
type Event struct {
	Kind    EventKind
	Session string
	Key     string
	Hash    string // initial hash on start, new hash on new_version
	Err     error  // fetch_failed only
	At      time.Time
}

func (d *Detector) emit(kind EventKind, hash string, err error) {
	if d.opts.OnEvent == nil {
		return
	}
	d.opts.OnEvent(Event{
		Kind:    kind,
		Session: d.id,
		Key:     d.store.Key(),
		Hash:    hash,
		Err:     err,
		At:      d.opts.Now(),
	})
}
