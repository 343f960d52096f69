// Package queue schedules tasks across the download, convert and upload
// stages. The queue only tracks placement: stage processors execute the
// work, and the runner's event loop is the single owner of transitions.
package queue

import (
	"sync"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

// Stage names one of the three pipeline stages.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageUpload   Stage = "upload"
)

// Caps bounds the number of in-flight tasks per stage.
type Caps struct {
	Download int
	Convert  int
	Upload   int
}

// DefaultCaps returns the stock one-task-per-stage limits.
func DefaultCaps() Caps {
	return Caps{
		Download: constants.DefaultDownloadCap,
		Convert:  constants.DefaultConvertCap,
		Upload:   constants.DefaultUploadCap,
	}
}

// stageState holds one stage's waiting list and in-flight set.
// waiting keeps arrival order; pops select by priority, then arrival.
type stageState struct {
	waiting  []*models.Task
	inflight map[string]*models.Task
	cap      int
}

func newStageState(cap int) *stageState {
	return &stageState{
		waiting:  make([]*models.Task, 0),
		inflight: make(map[string]*models.Task),
		cap:      cap,
	}
}

// pop removes the highest-priority, earliest-arrival waiting task and
// moves it to the in-flight set. Caller holds the queue lock.
func (s *stageState) pop() *models.Task {
	if len(s.inflight) >= s.cap || len(s.waiting) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(s.waiting); i++ {
		if s.waiting[i].Priority > s.waiting[best].Priority {
			best = i
		}
	}
	task := s.waiting[best]
	s.waiting = append(s.waiting[:best], s.waiting[best+1:]...)
	s.inflight[task.ID] = task
	return task
}

func (s *stageState) counts() events.StageCounts {
	return events.StageCounts{Waiting: len(s.waiting), InFlight: len(s.inflight)}
}

// Queue is the three-stage scheduler. Methods are safe for concurrent use;
// completions are expected to come from a single owner so a task id lives
// in at most one stage at a time.
type Queue struct {
	mu       sync.RWMutex
	download *stageState
	convert  *stageState
	upload   *stageState
	stageOf  map[string]Stage // which stage currently tracks each id

	eventBus *events.EventBus
}

// New creates a queue with the given per-stage caps. Caps below one fall
// back to the defaults. A nil event bus disables notifications.
func New(caps Caps, eventBus *events.EventBus) *Queue {
	def := DefaultCaps()
	if caps.Download < 1 {
		caps.Download = def.Download
	}
	if caps.Convert < 1 {
		caps.Convert = def.Convert
	}
	if caps.Upload < 1 {
		caps.Upload = def.Upload
	}
	return &Queue{
		download: newStageState(caps.Download),
		convert:  newStageState(caps.Convert),
		upload:   newStageState(caps.Upload),
		stageOf:  make(map[string]Stage),
		eventBus: eventBus,
	}
}

// Add appends a task to the download waiting list. It returns false
// without touching the queue when the id is already tracked in any stage.
func (q *Queue) Add(task *models.Task) bool {
	if task == nil || task.ID == "" {
		return false
	}

	q.mu.Lock()
	if _, tracked := q.stageOf[task.ID]; tracked {
		q.mu.Unlock()
		return false
	}
	q.download.waiting = append(q.download.waiting, task)
	q.stageOf[task.ID] = StageDownload
	q.mu.Unlock()

	q.publishUpdated()
	return true
}

// NextDownload pops the best waiting download task if the stage has a
// spare in-flight slot. Returns nil when saturated or empty.
func (q *Queue) NextDownload() *models.Task { return q.next(q.download) }

// NextConvert pops the best waiting convert task if the stage has a
// spare in-flight slot. Returns nil when saturated or empty.
func (q *Queue) NextConvert() *models.Task { return q.next(q.convert) }

// NextUpload pops the best waiting upload task if the stage has a
// spare in-flight slot. Returns nil when saturated or empty.
func (q *Queue) NextUpload() *models.Task { return q.next(q.upload) }

func (q *Queue) next(s *stageState) *models.Task {
	q.mu.Lock()
	task := s.pop()
	q.mu.Unlock()

	if task == nil {
		return nil
	}
	q.publishUpdated()
	return task
}

// CompleteDownload moves a task from download in-flight to the convert
// waiting tail. Returns false if the task is not downloading.
func (q *Queue) CompleteDownload(taskID string) bool {
	return q.advance(taskID, q.download, q.convert, StageConvert)
}

// CompleteConvert moves a task from convert in-flight to the upload
// waiting tail. Returns false if the task is not converting.
func (q *Queue) CompleteConvert(taskID string) bool {
	return q.advance(taskID, q.convert, q.upload, StageUpload)
}

func (q *Queue) advance(taskID string, from, to *stageState, next Stage) bool {
	q.mu.Lock()
	task, ok := from.inflight[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(from.inflight, taskID)
	to.waiting = append(to.waiting, task)
	q.stageOf[taskID] = next
	q.mu.Unlock()

	q.publishUpdated()
	return true
}

// CompleteUpload drops a task from upload in-flight. The id leaves the
// queue entirely; finished tasks never re-enter.
func (q *Queue) CompleteUpload(taskID string) bool {
	q.mu.Lock()
	_, ok := q.upload.inflight[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.upload.inflight, taskID)
	delete(q.stageOf, taskID)
	q.mu.Unlock()

	q.publishUpdated()
	return true
}

// Fail drops a task from the named stage, waiting or in-flight. The id
// leaves the queue entirely; failed tasks never re-enter.
func (q *Queue) Fail(taskID string, stage Stage) bool {
	q.mu.Lock()
	removed := false
	if s := q.stage(stage); s != nil {
		if _, ok := s.inflight[taskID]; ok {
			delete(s.inflight, taskID)
			removed = true
		} else {
			for i, t := range s.waiting {
				if t.ID == taskID {
					s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
					removed = true
					break
				}
			}
		}
	}
	if removed {
		delete(q.stageOf, taskID)
	}
	q.mu.Unlock()

	if removed {
		q.publishUpdated()
	}
	return removed
}

func (q *Queue) stage(stage Stage) *stageState {
	switch stage {
	case StageDownload:
		return q.download
	case StageConvert:
		return q.convert
	case StageUpload:
		return q.upload
	}
	return nil
}

// Has reports whether the id is tracked in any stage.
func (q *Queue) Has(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.stageOf[taskID]
	return ok
}

// HasDownloadCapacity reports whether the download stage can absorb a new
// task. The poll loop fetches work only while this holds.
func (q *Queue) HasDownloadCapacity() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.download.waiting)+len(q.download.inflight) < q.download.cap
}

// Len returns the number of task ids tracked across all stages.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.stageOf)
}

// Counts returns a waiting/in-flight snapshot for each stage.
func (q *Queue) Counts() (download, convert, upload events.StageCounts) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.download.counts(), q.convert.counts(), q.upload.counts()
}

// publishUpdated emits a queue snapshot. Counts are read under the lock;
// the publish itself happens outside it.
func (q *Queue) publishUpdated() {
	if q.eventBus == nil {
		return
	}
	download, convert, upload := q.Counts()
	q.eventBus.Publish(&events.QueueUpdatedEvent{
		BaseEvent: events.NewBase(events.EventQueueUpdated),
		Download:  download,
		Convert:   convert,
		Upload:    upload,
	})
}
