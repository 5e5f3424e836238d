package notify

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var n Notifier = NewLogNotifier(logger)

	n.Notify("Public charge logged", "ChargePoint 15.5 kWh")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "Public charge logged", hook.LastEntry().Data["title"])
}

func TestTermuxNotifierDegradesOffAndroid(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	termuxNotificationPath = "/nonexistent/termux-notification"

	NewTermuxNotifier(logger).Notify("title", "body")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	NewTermuxNotifier(logger).Notify("", "ignored")
	assert.Len(t, hook.AllEntries(), 1)
}
