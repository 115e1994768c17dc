package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

type urlCommand struct {
	URL string `json:"url"`
}

// handleCommand serves messages sent by websocket clients.
func (s *Server) handleCommand(msgType string, payload json.RawMessage) error {
	switch msgType {
	case "job:add":
		var cmd urlCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.URL == "" {
			return errors.New("job:add needs a url")
		}
		_, err := s.deps.Jobs.Add(cmd.URL, s.deps.Options, s.deps.OutputDir)
		return err
	case "job:cancel", "job:dismiss":
		var cmd urlCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.URL == "" {
			return fmt.Errorf("%s needs a url", msgType)
		}
		var ok bool
		if msgType == "job:cancel" {
			ok = s.deps.Jobs.Cancel(cmd.URL)
		} else {
			ok = s.deps.Jobs.DismissError(cmd.URL)
		}
		if !ok {
			return fmt.Errorf("no matching job for %s", cmd.URL)
		}
		return nil
	case "concurrency:set":
		var cmd struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.New("concurrency:set needs a limit")
		}
		s.deps.Jobs.SetConcurrencyLimit(cmd.Limit)
		return nil
	default:
		return fmt.Errorf("unknown command %q", msgType)
	}
}
