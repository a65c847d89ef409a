package queue

import (
	"encoding/json"

	"leadflow/internal/lifecycle"

	"github.com/hibiken/asynq"
)

const TaskInboundMessage = "inbound.message"

func NewInboundTask(in lifecycle.Inbound) (*asynq.Task, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInboundMessage, data), nil
}

func ParseInboundPayload(task *asynq.Task) (lifecycle.Inbound, error) {
	var in lifecycle.Inbound
	if err := json.Unmarshal(task.Payload(), &in); err != nil {
		return lifecycle.Inbound{}, err
	}
	return in, nil
}
