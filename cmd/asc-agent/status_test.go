package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/asc/pkg/models"
)

// replaySubscriber delivers a fixed set of heartbeats on subscribe
type replaySubscriber struct {
	beats []*models.Heartbeat
}

func (r *replaySubscriber) SubscribeStatus(handler func(*models.Heartbeat)) error {
	for _, hb := range r.beats {
		handler(hb)
	}
	return nil
}

func TestWatchStatus_FiltersByAgent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sub := &replaySubscriber{beats: []*models.Heartbeat{
		{AgentName: "tester", Status: models.AgentStatusWorking, CurrentTask: "bd-1", Timestamp: now},
		{AgentName: "planner", Status: models.AgentStatusIdle, Timestamp: now},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	require.NoError(t, watchStatus(ctx, sub, &buf, "tester"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var hb models.Heartbeat
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &hb))
	assert.Equal(t, "tester", hb.AgentName)
	assert.Equal(t, "bd-1", hb.CurrentTask)

	buf.Reset()
	require.NoError(t, watchStatus(ctx, sub, &buf, ""))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}
