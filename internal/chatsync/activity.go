package chatsync

// ActivityFeed holds the last polled activity listing. A failed refresh keeps
// the previous entries and records the error for display.
type ActivityFeed struct {
	entries []Activity
	err     error
	loaded  bool
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{}
}

func (f *ActivityFeed) Replace(entries []Activity) {
	f.entries = append([]Activity(nil), entries...)
	f.err = nil
	f.loaded = true
}

func (f *ActivityFeed) Fail(err error) {
	f.err = err
}

func (f *ActivityFeed) Snapshot() ActivitySnapshot {
	return ActivitySnapshot{
		Entries: append([]Activity(nil), f.entries...),
		Loading: !f.loaded && f.err == nil,
		Err:     f.err,
	}
}
