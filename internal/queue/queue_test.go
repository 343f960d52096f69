package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/events"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

func newTask(id string, priority int) *models.Task {
	return &models.Task{ID: id, Source: "http://origin/" + id + ".mp4", Priority: priority}
}

func TestQueueAdd(t *testing.T) {
	q := New(DefaultCaps(), nil)

	if !q.Add(newTask("t1", 0)) {
		t.Fatal("Add should accept a new task")
	}
	if q.Add(newTask("t1", 0)) {
		t.Error("Add should reject a duplicate id")
	}
	if q.Add(nil) {
		t.Error("Add should reject nil")
	}
	if q.Add(&models.Task{}) {
		t.Error("Add should reject an empty id")
	}

	download, _, _ := q.Counts()
	if download.Waiting != 1 {
		t.Errorf("Expected 1 waiting download, got %d", download.Waiting)
	}
	if !q.Has("t1") {
		t.Error("Has should report the added task")
	}
}

func TestQueueAddWhileInFlight(t *testing.T) {
	q := New(DefaultCaps(), nil)

	q.Add(newTask("t1", 0))
	if q.NextDownload() == nil {
		t.Fatal("NextDownload should return the queued task")
	}

	// The id is in-flight downloading; it must not re-enter any stage.
	if q.Add(newTask("t1", 0)) {
		t.Error("Add should reject an id that is in-flight")
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 tracked id, got %d", q.Len())
	}
}

func TestQueueNextDownloadPriorityOrder(t *testing.T) {
	q := New(Caps{Download: 10, Convert: 10, Upload: 10}, nil)

	q.Add(newTask("low", 0))
	q.Add(newTask("hi-a", 5))
	q.Add(newTask("hi-b", 5))
	q.Add(newTask("mid", 1))
	q.Add(newTask("neg", -3))

	want := []string{"hi-a", "hi-b", "mid", "low", "neg"}
	for i, expected := range want {
		task := q.NextDownload()
		if task == nil {
			t.Fatalf("Pop %d: expected %q, got nil", i, expected)
		}
		if task.ID != expected {
			t.Errorf("Pop %d: expected %q, got %q", i, expected, task.ID)
		}
	}
	if q.NextDownload() != nil {
		t.Error("NextDownload should return nil once the waiting list is empty")
	}
}

func TestQueueNextRespectsCap(t *testing.T) {
	q := New(Caps{Download: 1, Convert: 1, Upload: 1}, nil)

	q.Add(newTask("t1", 0))
	q.Add(newTask("t2", 0))

	first := q.NextDownload()
	if first == nil || first.ID != "t1" {
		t.Fatalf("Expected t1 first, got %v", first)
	}
	if q.NextDownload() != nil {
		t.Error("NextDownload should return nil while the stage is saturated")
	}

	if !q.CompleteDownload("t1") {
		t.Fatal("CompleteDownload should succeed for an in-flight task")
	}
	second := q.NextDownload()
	if second == nil || second.ID != "t2" {
		t.Fatalf("Expected t2 after slot freed, got %v", second)
	}
}

func TestQueueStageFlow(t *testing.T) {
	q := New(DefaultCaps(), nil)

	q.Add(newTask("t1", 0))

	task := q.NextDownload()
	if task == nil {
		t.Fatal("NextDownload returned nil")
	}
	if q.NextConvert() != nil {
		t.Error("NextConvert should have nothing before CompleteDownload")
	}

	if !q.CompleteDownload("t1") {
		t.Fatal("CompleteDownload failed")
	}
	if task = q.NextConvert(); task == nil || task.ID != "t1" {
		t.Fatalf("Expected t1 from NextConvert, got %v", task)
	}

	if !q.CompleteConvert("t1") {
		t.Fatal("CompleteConvert failed")
	}
	if task = q.NextUpload(); task == nil || task.ID != "t1" {
		t.Fatalf("Expected t1 from NextUpload, got %v", task)
	}

	if !q.CompleteUpload("t1") {
		t.Fatal("CompleteUpload failed")
	}
	if q.Has("t1") {
		t.Error("Finished task should leave the queue")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d tracked", q.Len())
	}

	download, convert, upload := q.Counts()
	for name, c := range map[string]events.StageCounts{"download": download, "convert": convert, "upload": upload} {
		if c.Waiting != 0 || c.InFlight != 0 {
			t.Errorf("Stage %s not empty after terminal transition: %+v", name, c)
		}
	}
}

func TestQueueCompleteWrongStage(t *testing.T) {
	q := New(DefaultCaps(), nil)

	q.Add(newTask("t1", 0))
	q.NextDownload()

	if q.CompleteConvert("t1") {
		t.Error("CompleteConvert should fail for a task that is downloading")
	}
	if q.CompleteUpload("t1") {
		t.Error("CompleteUpload should fail for a task that is downloading")
	}
	if q.CompleteDownload("missing") {
		t.Error("CompleteDownload should fail for an unknown id")
	}

	// The botched calls must not have moved the task.
	if !q.CompleteDownload("t1") {
		t.Error("CompleteDownload should still succeed for the in-flight task")
	}
}

func TestQueueFail(t *testing.T) {
	q := New(DefaultCaps(), nil)

	// In-flight failure.
	q.Add(newTask("t1", 0))
	q.NextDownload()
	if !q.Fail("t1", StageDownload) {
		t.Error("Fail should drop an in-flight task")
	}
	if q.Has("t1") {
		t.Error("Failed task should leave the queue")
	}

	// Waiting failure.
	q.Add(newTask("t2", 0))
	if !q.Fail("t2", StageDownload) {
		t.Error("Fail should drop a waiting task")
	}

	// Unknown id and wrong stage.
	if q.Fail("missing", StageUpload) {
		t.Error("Fail should return false for an unknown id")
	}
	q.Add(newTask("t3", 0))
	if q.Fail("t3", StageConvert) {
		t.Error("Fail should return false when the task is in another stage")
	}
	if !q.Has("t3") {
		t.Error("Wrong-stage Fail must not drop the task")
	}
}

func TestQueueHasDownloadCapacity(t *testing.T) {
	q := New(Caps{Download: 1, Convert: 1, Upload: 1}, nil)

	if !q.HasDownloadCapacity() {
		t.Fatal("Fresh queue should have download capacity")
	}

	q.Add(newTask("t1", 0))
	if q.HasDownloadCapacity() {
		t.Error("Waiting task should consume download capacity")
	}

	q.NextDownload()
	if q.HasDownloadCapacity() {
		t.Error("In-flight task should consume download capacity")
	}

	q.CompleteDownload("t1")
	if !q.HasDownloadCapacity() {
		t.Error("Capacity should free up once the task advances to convert")
	}
}

func TestQueueUpdatedEvents(t *testing.T) {
	eventBus := events.NewEventBus(100)
	defer eventBus.Close()

	q := New(DefaultCaps(), eventBus)
	updates := eventBus.Subscribe(events.EventQueueUpdated)

	recv := func() *events.QueueUpdatedEvent {
		t.Helper()
		select {
		case event := <-updates:
			qe, ok := event.(*events.QueueUpdatedEvent)
			if !ok {
				t.Fatalf("Expected QueueUpdatedEvent, got %T", event)
			}
			return qe
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for queue update")
			return nil
		}
	}

	q.Add(newTask("t1", 0))
	qe := recv()
	if qe.Download.Waiting != 1 || qe.Download.InFlight != 0 {
		t.Errorf("After Add: download counts %+v", qe.Download)
	}

	q.NextDownload()
	qe = recv()
	if qe.Download.Waiting != 0 || qe.Download.InFlight != 1 {
		t.Errorf("After NextDownload: download counts %+v", qe.Download)
	}

	q.CompleteDownload("t1")
	qe = recv()
	if qe.Download.InFlight != 0 || qe.Convert.Waiting != 1 {
		t.Errorf("After CompleteDownload: download %+v convert %+v", qe.Download, qe.Convert)
	}

	q.Fail("t1", StageConvert)
	qe = recv()
	if qe.Convert.Waiting != 0 {
		t.Errorf("After Fail: convert counts %+v", qe.Convert)
	}
}

func TestQueueSingleStageMembership(t *testing.T) {
	q := New(Caps{Download: 5, Convert: 5, Upload: 5}, nil)

	for i := 0; i < 5; i++ {
		q.Add(newTask(fmt.Sprintf("t%d", i), i%3))
	}

	// Walk a few tasks through different depths, then check that every id
	// is tracked in exactly one stage.
	q.NextDownload()
	q.NextDownload()
	q.CompleteDownload("t2") // highest priority pops first
	q.NextConvert()
	q.CompleteConvert("t2")

	seen := make(map[string]int)
	count := func(s *stageState) {
		for _, task := range s.waiting {
			seen[task.ID]++
		}
		for id := range s.inflight {
			seen[id]++
		}
	}
	q.mu.RLock()
	count(q.download)
	count(q.convert)
	count(q.upload)
	q.mu.RUnlock()

	if len(seen) != 5 {
		t.Fatalf("Expected 5 tracked ids, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Task %s appears in %d stage slots, want 1", id, n)
		}
	}
}
