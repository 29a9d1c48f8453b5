package store

import (
	"database/sql"
	"fmt"
)

// UpsertExternalTask inserts or replaces an external task payload.
func (t *Tx) UpsertExternalTask(et *ExternalTask) error {
	_, err := t.tx.Exec(`
		INSERT INTO external_tasks (id, application, task_id, status, title, assigned_user_id, url, number, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			application = excluded.application,
			task_id = excluded.task_id,
			status = excluded.status,
			title = excluded.title,
			assigned_user_id = excluded.assigned_user_id,
			url = excluded.url,
			number = excluded.number,
			date = excluded.date`,
		et.ID, et.Application, et.TaskID, et.Status, et.Title, nullInt(et.AssignedUserID), et.URL, et.Number, nullMillis(et.Date))
	if err != nil {
		return fmt.Errorf("upsert external task %d: %w", et.ID, err)
	}
	return nil
}

// UpsertAttachment links an attachment to a confirmed message. The message
// must exist; the foreign key rejects dangling links.
func (t *Tx) UpsertAttachment(a *Attachment) error {
	_, err := t.tx.Exec(`
		INSERT INTO attachments (id, message_id, external_task_id)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			external_task_id = excluded.external_task_id`,
		a.ID, a.MessageID, nullInt(a.ExternalTaskID))
	if err != nil {
		return fmt.Errorf("upsert attachment %d: %w", a.ID, err)
	}
	return nil
}

// ListAttachments returns the attachments of a message with their task payloads.
func (db *DB) ListAttachments(messageID int64) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT a.id, a.message_id, a.external_task_id,
			t.id, t.application, t.task_id, t.status, t.title, t.assigned_user_id, t.url, t.number, t.date
		FROM attachments a
		LEFT JOIN external_tasks t ON t.id = a.external_task_id
		WHERE a.message_id = ?
		ORDER BY a.id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		var (
			a                         Attachment
			taskRef, taskID           sql.NullInt64
			app, extID, status, title sql.NullString
			url, number               sql.NullString
			assigned, date            sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &taskRef,
			&taskID, &app, &extID, &status, &title, &assigned, &url, &number, &date); err != nil {
			return nil, err
		}
		a.ExternalTaskID = ptrInt(taskRef)
		if taskID.Valid {
			a.ExternalTask = &ExternalTask{
				ID:             taskID.Int64,
				Application:    app.String,
				TaskID:         extID.String,
				Status:         status.String,
				Title:          title.String,
				AssignedUserID: ptrInt(assigned),
				URL:            url.String,
				Number:         number.String,
				Date:           fromMillis(date),
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
