package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Scheduler for tests. Scheduled callbacks
// fire synchronously from Advance in due-time order, which matches the
// single-threaded cooperative model the library assumes.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*fakeTask
}

// NewFake creates a fake scheduler starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the simulated current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the simulated duration since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// AfterFunc schedules fn to fire once the fake clock advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	task := &fakeTask{
		clock: f,
		due:   f.now.Add(d),
		seq:   f.seq,
		fn:    fn,
	}
	f.tasks = append(f.tasks, task)
	return task
}

// Advance moves the clock forward by d, firing every due task in order.
// Callbacks may schedule further tasks; those fire too if they fall
// within the advanced window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		task := f.popNextDue(target)
		if task == nil {
			break
		}
		task.fn()
	}

	f.mu.Lock()
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// popNextDue removes and returns the earliest task due at or before
// target, advancing the clock to its due time. Returns nil when no task
// is due.
func (f *Fake) popNextDue(target time.Time) *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.SliceStable(f.tasks, func(i, j int) bool {
		if f.tasks[i].due.Equal(f.tasks[j].due) {
			return f.tasks[i].seq < f.tasks[j].seq
		}
		return f.tasks[i].due.Before(f.tasks[j].due)
	})

	for i, task := range f.tasks {
		if task.due.After(target) {
			break
		}
		f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
		if task.due.After(f.now) {
			f.now = task.due
		}
		return task
	}
	return nil
}

func (f *Fake) remove(task *fakeTask) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, t := range f.tasks {
		if t == task {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of tasks not yet fired. Useful for leak
// assertions in tests.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeTask struct {
	clock *Fake
	due   time.Time
	seq   uint64
	fn    func()
}

func (t *fakeTask) Cancel() bool {
	return t.clock.remove(t)
}

func (t *fakeTask) Reset(d time.Duration) bool {
	pending := t.clock.remove(t)

	t.clock.mu.Lock()
	t.clock.seq++
	t.due = t.clock.now.Add(d)
	t.seq = t.clock.seq
	t.clock.tasks = append(t.clock.tasks, t)
	t.clock.mu.Unlock()

	return pending
}
