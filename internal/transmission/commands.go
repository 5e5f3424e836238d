package transmission

import (
	"encoding/json"
	"errors"

	"github.com/jkaberg/ev-charge-tracker/internal/ledger"
	"github.com/jkaberg/ev-charge-tracker/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// PublicSessionLogger is what the command listener hands requests to.
type PublicSessionLogger interface {
	LogPublicSession(req ledger.Request) (ledger.Logged, error)
}

// Subscriber is the part of the MQTT client the command listener needs.
type Subscriber interface {
	Subscribe(topic string, h mqtt.Handler) error
}

// CommandResult is published after every command.
type CommandResult struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Field     string `json:"field,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CommandListener accepts public session logs on the command topic, which
// lets a Home Assistant script or button log a session.
type CommandListener struct {
	sub    Subscriber
	pub    Publisher
	topics mqtt.Topics
	svc    PublicSessionLogger
	logger *logrus.Logger
}

func NewCommandListener(sub Subscriber, pub Publisher, topics mqtt.Topics, svc PublicSessionLogger, logger *logrus.Logger) *CommandListener {
	return &CommandListener{sub: sub, pub: pub, topics: topics, svc: svc, logger: logger}
}

func (l *CommandListener) Start() error {
	return l.sub.Subscribe(l.topics.PublicSessionCommand(), l.handle)
}

func (l *CommandListener) handle(topic string, payload []byte) {
	var res CommandResult

	var req ledger.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		res.Error = "invalid JSON: " + err.Error()
		l.logger.WithError(err).WithField("topic", topic).Warn("Rejected public session command")
		l.reply(res)
		return
	}

	logged, err := l.svc.LogPublicSession(req)
	if err != nil {
		res.Error = err.Error()
		var invalid *ledger.InvalidSessionError
		if errors.As(err, &invalid) {
			res.Field = invalid.Field
		}
		l.logger.WithError(err).WithField("provider", req.Provider).Warn("Rejected public session command")
		l.reply(res)
		return
	}
	res.OK = true
	res.ID = logged.Record.ID
	res.Duplicate = logged.Duplicate
	l.reply(res)
}

func (l *CommandListener) reply(res CommandResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := l.pub.Publish(l.topics.PublicSessionResult(), payload, false); err != nil {
		l.logger.WithError(err).Debug("Failed to publish command result")
	}
}
