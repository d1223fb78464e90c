package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string, headers map[string]string) error
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetTurnID() string
}

// RegisterSteps registers audit log step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &auditSteps{tc: tc}

	ctx.Step(`^the audit log should hold (\d+) events? for the turn$`, steps.eventsForTurn)
	ctx.Step(`^every audit event for the turn should name subject "([^"]*)" and agent "([^"]*)"$`, steps.everyEventNames)
	ctx.Step(`^audit event (\d+) for the turn should be "([^"]*)" with result "([^"]*)"$`, steps.eventShouldBe)
}

type event struct {
	EventType string `json:"event_type"`
	Result    string `json:"result"`
	Actor     struct {
		ID string `json:"id"`
	} `json:"actor"`
	Subject struct {
		ID string `json:"id"`
	} `json:"subject"`
	Target struct {
		ID string `json:"id"`
	} `json:"target"`
}

type auditSteps struct {
	tc     TestContext
	events []event
}

// eventsForTurn polls because delivery to the audit log is asynchronous.
func (s *auditSteps) eventsForTurn(ctx context.Context, want int) error {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := s.fetch(); err != nil {
			return err
		}
		if len(s.events) >= want || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(s.events) != want {
		return fmt.Errorf("expected %d audit events, got %d", want, len(s.events))
	}
	return nil
}

func (s *auditSteps) fetch() error {
	if err := s.tc.GET("/v1/audit/events?turn_id="+s.tc.GetTurnID(), nil); err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != 200 {
		return fmt.Errorf("audit query failed with %d: %s", s.tc.GetLastResponseStatus(), s.tc.GetLastResponseBody())
	}
	var body struct {
		Events []event `json:"events"`
	}
	if err := json.Unmarshal(s.tc.GetLastResponseBody(), &body); err != nil {
		return fmt.Errorf("decode audit events: %w", err)
	}
	s.events = body.Events
	return nil
}

func (s *auditSteps) everyEventNames(ctx context.Context, subject, agent string) error {
	if len(s.events) == 0 {
		return fmt.Errorf("no audit events fetched")
	}
	for i, e := range s.events {
		if e.Subject.ID != subject || e.Actor.ID != agent {
			return fmt.Errorf("event %d names %s/%s, want %s/%s", i+1, e.Subject.ID, e.Actor.ID, subject, agent)
		}
	}
	return nil
}

func (s *auditSteps) eventShouldBe(ctx context.Context, n int, eventType, result string) error {
	if n < 1 || n > len(s.events) {
		return fmt.Errorf("have %d audit events, no event %d", len(s.events), n)
	}
	e := s.events[n-1]
	if e.EventType != eventType || e.Result != result {
		return fmt.Errorf("event %d: expected %s/%s, got %s/%s", n, eventType, result, e.EventType, e.Result)
	}
	return nil
}
