package notify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/notify"
)

func TestLogNotifier(t *testing.T) {
	tests := map[string]struct {
		n      notify.Notification
		expErr bool
	}{
		"A message notification should be delivered.": {
			n: notify.Notification{Kind: notify.KindMessage, Message: &model.Message{ID: "m1", SeqID: 1}},
		},

		"An error notification should be delivered.": {
			n: notify.NewErrorNotification(model.Task{ID: "t1", TopicID: "tp1"}, "u1", "sandbox not ready"),
		},

		"A message notification without message should fail.": {
			n:      notify.Notification{Kind: notify.KindMessage},
			expErr: true,
		},

		"An unknown kind should fail.": {
			n:      notify.Notification{Kind: "push"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := notify.NewLogNotifier(log.Noop).Notify(context.Background(), test.n)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	r := &notify.Recorder{}
	n := notify.NewErrorNotification(model.Task{ID: "t1", TopicID: "tp1"}, "u1", "timeout")

	assert.NoError(t, r.Notify(context.Background(), n))
	assert.Equal(t, []notify.Notification{n}, r.Sent())
	assert.Equal(t, model.TaskStatusError, r.Sent()[0].Status)
}
