package migration

import (
	"encoding/csv"
	"fmt"
	"os"
)

// Mapping CSV column headers, as written by the migration tool's init
// sub-command. Column order and header text must survive a rewrite.
const (
	colSourceID    = "Source Backlog user id"
	colSourceName  = "Source Backlog user display name"
	colSourceEmail = "Source Backlog user email"
	colDestination = "Destination Backlog user name"
)

// DestinationUser is one user in the destination space, as reported by
// the helper script.
type DestinationUser struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	MailAddress string `json:"mailAddress"`
}

// UpdateResult summarizes a mapping rewrite.
type UpdateResult struct {
	Total     int
	Updated   int
	Unmatched int
}

// UpdateMapping rewrites the destination column of the mapping CSV.
// Rows whose source email matches a destination user (exact string
// equality) get that user's id; all other rows fall back to the source
// user id. The fallback mirrors the tool's historical behavior even
// though a source id is rarely valid in the destination space.
func UpdateMapping(csvPath string, users []DestinationUser) (UpdateResult, error) {
	var res UpdateResult

	f, err := os.Open(csvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return res, fmt.Errorf("%w: %s", ErrMappingNotFound, csvPath)
		}
		return res, fmt.Errorf("open mapping: %w", err)
	}
	records, err := csv.NewReader(f).ReadAll()
	f.Close()
	if err != nil {
		return res, fmt.Errorf("parse mapping: %w", err)
	}
	if len(records) == 0 {
		return res, fmt.Errorf("parse mapping: empty file")
	}

	header := records[0]
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	for _, required := range []string{colSourceID, colSourceEmail, colDestination} {
		if _, ok := idx[required]; !ok {
			return res, fmt.Errorf("parse mapping: missing column %q", required)
		}
	}

	byEmail := make(map[string]string, len(users))
	for _, u := range users {
		if u.MailAddress != "" {
			byEmail[u.MailAddress] = u.UserID
		}
	}

	for _, row := range records[1:] {
		res.Total++
		email := row[idx[colSourceEmail]]
		if dst, ok := byEmail[email]; ok && dst != "" {
			row[idx[colDestination]] = dst
			res.Updated++
			continue
		}
		row[idx[colDestination]] = row[idx[colSourceID]]
	}
	res.Unmatched = res.Total - res.Updated

	out, err := os.Create(csvPath)
	if err != nil {
		return res, fmt.Errorf("rewrite mapping: %w", err)
	}
	w := csv.NewWriter(out)
	if err := w.WriteAll(records); err != nil {
		out.Close()
		return res, fmt.Errorf("rewrite mapping: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return res, fmt.Errorf("rewrite mapping: %w", err)
	}
	if err := out.Close(); err != nil {
		return res, fmt.Errorf("rewrite mapping: %w", err)
	}
	return res, nil
}
