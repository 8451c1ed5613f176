// Package email implements the one-time send-email-task.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dbtimetravel/internal/domain"
	"dbtimetravel/internal/worker"
)

const TaskName = "send-email-task"

var ErrNoAddress = errors.New("email: address is required")

// Message is the task payload.
type Message struct {
	Email string `json:"email"`
}

// Sender delivers a Message. With a RelayURL it POSTs the message as JSON,
// otherwise it only logs the send.
type Sender struct {
	RelayURL string
	Client   *http.Client
	Log      zerolog.Logger
}

// Task registers the sender under TaskName.
func Task(s Sender) worker.Task {
	return worker.Task{Name: TaskName, Handler: s, MaxFailures: 5}
}

type relayRequest struct {
	To     string    `json:"to"`
	SentAt time.Time `json:"sent_at"`
}

func (s Sender) Handle(ctx context.Context, payload json.RawMessage) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid email payload: %w", err)
	}
	if msg.Email == "" {
		return ErrNoAddress
	}

	if s.RelayURL == "" {
		s.Log.Info().Str("email", msg.Email).Msg("sending email")
		return nil
	}

	body, err := json.Marshal(relayRequest{To: msg.Email, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.RelayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read relay response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("relay HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	s.Log.Info().Str("email", msg.Email).Int("status", resp.StatusCode).Msg("email relayed")
	return nil
}

// Engine is what Scheduler needs from the scheduler engine.
type Engine interface {
	ScheduleTask(ctx context.Context, name, instance string, at time.Time, payload json.RawMessage) error
}

type Scheduler struct {
	engine Engine
}

func NewScheduler(e Engine) *Scheduler { return &Scheduler{engine: e} }

// ScheduleEmail enqueues one send-email-task for address at at, under a fresh
// instance id.
func (s *Scheduler) ScheduleEmail(ctx context.Context, address string, at time.Time) (domain.TaskKey, error) {
	if address == "" {
		return domain.TaskKey{}, ErrNoAddress
	}
	payload, err := json.Marshal(Message{Email: address})
	if err != nil {
		return domain.TaskKey{}, err
	}
	key := domain.TaskKey{Name: TaskName, Instance: "email-" + uuid.NewString()}
	if err := s.engine.ScheduleTask(ctx, key.Name, key.Instance, at, payload); err != nil {
		return domain.TaskKey{}, err
	}
	return key, nil
}
