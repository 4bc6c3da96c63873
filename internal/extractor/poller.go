package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/lthibault/jitterbug/v2"

	"github.com/hotosm/tm-extractor/internal/rawdata"
	"github.com/hotosm/tm-extractor/internal/types"
)

// poll watches one task until it reaches a terminal state, the poll budget
// runs out, or the context ends. Ticks carry a little jitter so concurrent
// pollers drift apart instead of hitting the service in aligned bursts.
// The returned error is non-nil only when the whole run must stop.
func (e *Extractor) poll(ctx context.Context, record *types.RunRecord) error {
	interval := e.config.PollInterval
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		record.PollCount = polls
		e.metrics.RecordPoll()

		status, err := e.exporter.TaskStatus(ctx, record.TaskID)
		if err != nil {
			record.State = types.TaskFailed
			record.ErrorDetail = err.Error()
			var authErr *rawdata.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			return nil
		}

		state, known := types.StateFromWire(status.Status)
		if !known {
			record.State = types.TaskFailed
			record.ErrorDetail = fmt.Sprintf("unexpected task status %q", status.Status)
			return nil
		}

		record.State = state
		if state.Terminal() {
			if len(status.Result) > 0 {
				record.Result = status.Result
			}
			if state == types.TaskFailed {
				record.ErrorDetail = fmt.Sprintf("task reported %s", status.Status)
			}
			e.logger.Info().
				Str("task_id", record.TaskID).
				Str("state", string(state)).
				Int("polls", polls).
				Msg("Task finished")
			return nil
		}

		if polls >= e.config.MaxPolls {
			record.State = types.TaskTimedOut
			record.ErrorDetail = fmt.Sprintf("no terminal status after %d polls", polls)
			e.logger.Warn().Str("task_id", record.TaskID).Int("polls", polls).Msg("Gave up waiting for task")
			return nil
		}
		if polls%5 == 0 {
			e.logger.Debug().
				Str("task_id", record.TaskID).
				Str("status", status.Status).
				Int("polls", polls).
				Msg("Still waiting for task")
		}

		select {
		case <-ctx.Done():
			record.State = types.TaskTimedOut
			record.ErrorDetail = ctx.Err().Error()
			return nil
		case <-ticker.C:
		}
	}
}
