package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if messagesPublishedTotal == nil || messagesReceivedTotal == nil ||
		activeJobs == nil || stepDurationSeconds == nil ||
		taskTransitionsTotal == nil || wsClients == nil ||
		httpRequestsTotal == nil || httpRequestDuration == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	ObservePublish("task.progress", true)
	if val := testutil.ToFloat64(messagesPublishedTotal.WithLabelValues("task.progress", "true")); val < 1 {
		t.Errorf("expected publish counter >= 1, got %f", val)
	}

	ObserveReceive("module.start")
	if val := testutil.ToFloat64(messagesReceivedTotal.WithLabelValues("module.start")); val < 1 {
		t.Errorf("expected receive counter >= 1, got %f", val)
	}

	IncActiveJobs()
	IncActiveJobs()
	DecActiveJobs()
	if val := testutil.ToFloat64(activeJobs); val != 1 {
		t.Errorf("expected active jobs gauge 1, got %f", val)
	}
	DecActiveJobs()

	IncWSClients()
	if val := testutil.ToFloat64(wsClients); val != 1 {
		t.Errorf("expected ws clients gauge 1, got %f", val)
	}
	DecWSClients()

	ObserveTaskTransition("running")
	if val := testutil.ToFloat64(taskTransitionsTotal.WithLabelValues("running")); val < 1 {
		t.Errorf("expected transition counter >= 1, got %f", val)
	}

	// Histograms only need to accept observations without panicking here.
	ObserveStepDuration("analyst", 12.5)
	ObserveHTTPRequest("GET", "/v1/analyses/{analysis_id}/status", 200, 30*time.Millisecond)
}
