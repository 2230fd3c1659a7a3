package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/workflow"
)

func (s *Store) CreateCommand(_ context.Context, cmd models.DeviceCommand) (models.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertCommand(cmd); err != nil {
		return models.DeviceCommand{}, err
	}
	return cloneCommand(cmd), nil
}

func (s *Store) AttachCommand(_ context.Context, executionID uuid.UUID, cmd models.DeviceCommand) (models.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return models.DeviceCommand{}, repos.ErrNotFound
	}
	if e.IsTerminal() {
		return models.DeviceCommand{}, repos.ErrConflict
	}
	if _, linked := e.CommandID(); linked {
		return models.DeviceCommand{}, repos.ErrConflict
	}
	id := e.ID
	cmd.ExecutionID = &id
	if err := s.insertCommand(cmd); err != nil {
		return models.DeviceCommand{}, err
	}
	e = cloneExecution(e)
	e.SetCommandID(cmd.ID)
	s.saveExecution(e.Status, e)
	return cloneCommand(cmd), nil
}

func (s *Store) GetCommand(_ context.Context, id uuid.UUID) (models.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return models.DeviceCommand{}, repos.ErrNotFound
	}
	return cloneCommand(cmd), nil
}

func (s *Store) UpdateCommand(_ context.Context, id uuid.UUID, fn func(cmd *models.DeviceCommand, exec *models.Execution) (bool, error)) (models.DeviceCommand, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return models.DeviceCommand{}, false, repos.ErrNotFound
	}
	work := cloneCommand(cmd)
	var exec *models.Execution
	var execBefore models.ExecutionStatus
	if cmd.ExecutionID != nil {
		if e, ok := s.executions[*cmd.ExecutionID]; ok {
			c := cloneExecution(e)
			exec = &c
			execBefore = e.Status
		}
	}
	changed, err := fn(&work, exec)
	if err != nil || !changed {
		return work, changed, err
	}
	s.saveCommand(cmd.Status, work)
	if exec != nil && exec.Status != execBefore {
		s.saveExecution(execBefore, *exec)
	}
	return cloneCommand(work), true, nil
}

func (s *Store) ExpiredCommands(_ context.Context, now time.Time, limit int) ([]models.DeviceCommand, error) {
	return s.filterCommands(limit, func(c models.DeviceCommand) bool { return c.IsExpired(now) }), nil
}

func (s *Store) SentCommandsBefore(_ context.Context, cutoff time.Time, limit int) ([]models.DeviceCommand, error) {
	return s.filterCommands(limit, func(c models.DeviceCommand) bool {
		return c.Status == models.CommandSent && c.SentAt != nil && c.SentAt.Before(cutoff)
	}), nil
}

func (s *Store) LatestCommandForExecution(_ context.Context, executionID uuid.UUID) (models.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest models.DeviceCommand
		best   int64 = -1
	)
	for id, c := range s.commands {
		if c.ExecutionID == nil || *c.ExecutionID != executionID {
			continue
		}
		if s.commandSeq[id] > best {
			latest, best = c, s.commandSeq[id]
		}
	}
	if best < 0 {
		return models.DeviceCommand{}, repos.ErrNotFound
	}
	return cloneCommand(latest), nil
}

// Commands returns every command for the pond.
func (s *Store) Commands(pondID uuid.UUID) []models.DeviceCommand {
	return s.filterCommands(0, func(c models.DeviceCommand) bool { return c.PondID == pondID })
}

func (s *Store) filterCommands(limit int, keep func(models.DeviceCommand) bool) []models.DeviceCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeviceCommand
	for _, c := range s.commands {
		if keep(c) {
			out = append(out, cloneCommand(c))
		}
	}
	sortCommands(out, s.commandSeq)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) insertCommand(cmd models.DeviceCommand) error {
	if _, exists := s.commands[cmd.ID]; exists {
		return repos.ErrConflict
	}
	s.seq++
	s.commands[cmd.ID] = cloneCommand(cmd)
	s.commandSeq[cmd.ID] = s.seq
	s.events = append(s.events, workflow.EventCommandCreated)
	return nil
}

func (s *Store) saveCommand(before models.CommandStatus, cmd models.DeviceCommand) {
	s.seq++
	cmd.UpdatedAt = time.Now().UTC()
	s.commands[cmd.ID] = cloneCommand(cmd)
	s.commandSeq[cmd.ID] = s.seq
	if ev := workflow.CommandEvent(string(before), string(cmd.Status)); ev != "" {
		s.events = append(s.events, ev)
	}
}

func sortCommands(cmds []models.DeviceCommand, seq map[uuid.UUID]int64) {
	sort.Slice(cmds, func(i, j int) bool { return seq[cmds[i].ID] < seq[cmds[j].ID] })
}

func cloneCommand(c models.DeviceCommand) models.DeviceCommand {
	params := make(map[string]any, len(c.Parameters))
	for k, v := range c.Parameters {
		params[k] = v
	}
	c.Parameters = params
	return c
}
