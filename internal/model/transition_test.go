package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

func TestIsTransitionAllowed(t *testing.T) {
	allStatuses := []model.TaskStatus{
		model.TaskStatusWaiting,
		model.TaskStatusRunning,
		model.TaskStatusFinished,
		model.TaskStatusError,
		model.TaskStatusSuspended,
	}

	type edge struct{ from, to model.TaskStatus }
	allowedEdges := []edge{
		{model.TaskStatusWaiting, model.TaskStatusRunning},
		{model.TaskStatusWaiting, model.TaskStatusSuspended},
		{model.TaskStatusWaiting, model.TaskStatusError},
		{model.TaskStatusRunning, model.TaskStatusRunning},
		{model.TaskStatusRunning, model.TaskStatusFinished},
		{model.TaskStatusRunning, model.TaskStatusError},
		{model.TaskStatusRunning, model.TaskStatusSuspended},
		{model.TaskStatusSuspended, model.TaskStatusRunning},
		{model.TaskStatusSuspended, model.TaskStatusError},
	}
	allowed := map[edge]bool{}
	for _, e := range allowedEdges {
		allowed[e] = true
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			name := string(from) + " to " + string(to)
			t.Run(name, func(t *testing.T) {
				assert := assert.New(t)

				gotAllowed, reason := model.IsTransitionAllowed(from, to)

				exp := allowed[edge{from, to}]
				assert.Equal(exp, gotAllowed)
				if exp {
					assert.Empty(reason)
				} else {
					assert.NotEmpty(reason)
				}
			})
		}
	}
}

func TestIsTransitionAllowedUnknownStatus(t *testing.T) {
	tests := map[string]struct {
		current model.TaskStatus
		next    model.TaskStatus
	}{
		"An unknown current status should be rejected.": {
			current: "lost",
			next:    model.TaskStatusRunning,
		},

		"An unknown next status should be rejected.": {
			current: model.TaskStatusRunning,
			next:    "",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			allowed, reason := model.IsTransitionAllowed(test.current, test.next)
			assert.False(allowed)
			assert.NotEmpty(reason)
		})
	}
}
