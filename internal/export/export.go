// Package export writes the directory and run history as a spreadsheet.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ashureev/mentorbot/internal/domain"
)

// Sheet names.
const (
	UsersSheet      = "Users"
	BroadcastsSheet = "Broadcasts"
)

var (
	userHeader      = []any{"ID", "Name", "Surname", "Level", "Mentor ID", "Mentor", "Students", "Registered", "Last active"}
	broadcastHeader = []any{"ID", "Kind", "Issuer", "Target", "Type", "Recipients", "Sent", "Failed", "Started", "Finished"}
)

// Write renders users and runs as an xlsx workbook to w. Users are ordered
// by id, runs as given.
func Write(w io.Writer, users domain.Users, runs []*domain.BroadcastRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", UsersSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := setRow(f, UsersSheet, 1, userHeader); err != nil {
		return err
	}
	for i, id := range users.IDs() {
		u := users[id]
		mentor := ""
		if m, ok := users[u.Mentor]; ok {
			mentor = m.FullName()
		}
		row := []any{id, u.Name, u.Surname, string(u.Level), u.Mentor, mentor,
			len(users.Students(id)), u.RegistrationDate, u.ActiveToday}
		if err := setRow(f, UsersSheet, i+2, row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(UsersSheet, "A", "I", 16); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if _, err := f.NewSheet(BroadcastsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := setRow(f, BroadcastsSheet, 1, broadcastHeader); err != nil {
		return err
	}
	for i, r := range runs {
		finished := ""
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		row := []any{r.ID, r.Kind, r.IssuerID, r.Target, string(r.MessageType),
			r.RecipientsCount, r.SentCount, r.FailedCount, r.Timestamp.Format("2006-01-02 15:04:05"), finished}
		if err := setRow(f, BroadcastsSheet, i+2, row); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
