package database

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"ally-api/internal/shared"
)

type DailyStats struct {
	Date             string
	UserID           string
	Source           string
	InteractionCount uint64
	ToolCalls        uint64
	TimeToFirstDelta int64
	TotalTime        int64
}

// SaveInteractions writes the interaction rows and rolls them up into
// daily_stats per user and allowance source.
func SaveInteractions(ctx context.Context, db *sql.DB, records []shared.InteractionRecord) error {
	if len(records) == 0 {
		return nil
	}

	interactionSQLStr := `INSERT INTO interaction (
		user_id, request_id, conversation_id, source,
		tool_calls, time_to_first_delta, total_time, created_at
	) VALUES`

	statsSQLStr := `INSERT INTO daily_stats (
		date, user_id, source, interaction_count, tool_calls, time_to_first_delta, total_time
	) VALUES`

	aggregated := make(map[string]*DailyStats)
	interactionVals := []any{}
	statsVals := []any{}

	for _, r := range records {
		date := r.CreatedAt.UTC().Format(time.DateOnly)
		key := date + "/" + r.UserID + "/" + r.Source
		if _, ok := aggregated[key]; !ok {
			aggregated[key] = &DailyStats{Date: date, UserID: r.UserID, Source: r.Source}
		}
		existing := aggregated[key]
		existing.InteractionCount++
		existing.ToolCalls += uint64(r.ToolCalls)
		existing.TimeToFirstDelta += r.TimeToFirstDelta.Milliseconds()
		existing.TotalTime += r.TotalTime.Milliseconds()

		interactionSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?),"
		interactionVals = append(interactionVals,
			r.UserID, r.RequestID, r.ConversationID, r.Source,
			r.ToolCalls, r.TimeToFirstDelta.Milliseconds(), r.TotalTime.Milliseconds(),
			r.CreatedAt,
		)
	}

	for _, key := range slices.Sorted(maps.Keys(aggregated)) {
		val := aggregated[key]
		statsSQLStr += "(?, ?, ?, ?, ?, ?, ?),"
		statsVals = append(statsVals, val.Date, val.UserID, val.Source, val.InteractionCount, val.ToolCalls, val.TimeToFirstDelta, val.TotalTime)
	}

	interactionSQLStr = strings.TrimSuffix(interactionSQLStr, ",")
	statsSQLStr = strings.TrimSuffix(statsSQLStr, ",")
	statsSQLStr += ` ON DUPLICATE KEY UPDATE
		interaction_count = interaction_count + VALUES(interaction_count),
		tool_calls = tool_calls + VALUES(tool_calls),
		time_to_first_delta = time_to_first_delta + VALUES(time_to_first_delta),
		total_time = total_time + VALUES(total_time)`

	return ExecuteTransaction(ctx, db, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, interactionSQLStr, interactionVals...); err != nil {
				return fmt.Errorf("failed to save interactions: %w", err)
			}
			return nil
		},
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, statsSQLStr, statsVals...); err != nil {
				return fmt.Errorf("failed to save daily stats: %w", err)
			}
			return nil
		},
	})
}
