package ingest

import (
	"fmt"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
)

// EventType maps a lifecycle event onto its bus event type.
func EventType(k buildbot.EventKind) string {
	if k == buildbot.EventStarted {
		return eventbus.BuildStarted
	}
	return eventbus.BuildFinished
}

// publishBuild decodes a build dictionary and announces it on the bus.
// The bus event carries the buildbot.Report as Data.
func publishBuild(bus eventbus.Bus, event buildbot.EventKind, raw []byte) (buildbot.Report, error) {
	b, err := buildbot.DecodeBuild(raw)
	if err != nil {
		return buildbot.Report{}, err
	}
	r := buildbot.NewReport(event, b)
	if bus == nil {
		return r, fmt.Errorf("ingest: no event bus")
	}
	bus.Publish(eventbus.Event{Type: EventType(event), Data: r})
	return r, nil
}
