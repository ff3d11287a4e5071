package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"MailingService/internal/models"
)

// ParseClientRows parses a client list from CSV. The header row must contain
// an "Email" column (case-insensitive); "FullName" (or "Name", "Full Name")
// and "Comment" are optional. Owner is left for the caller to set.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseClientRows(r io.Reader, maxRows int) ([]models.Client, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, nameIdx, commentIdx := -1, -1, -1
	for i, h := range headers {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "email", "e-mail":
			emailIdx = i
		case "fullname", "full name", "full_name", "name":
			nameIdx = i
		case "comment":
			commentIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	seen := make(map[string]struct{})
	clients := make([]models.Client, 0)
	for len(clients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) && errors.Is(parseErr.Err, csv.ErrFieldCount) {
				// skip malformed row
				continue
			}
			return nil, err
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		key := strings.ToLower(email)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		c := models.Client{Email: email}
		if nameIdx >= 0 {
			c.FullName = strings.TrimSpace(record[nameIdx])
		}
		if commentIdx >= 0 {
			c.Comment = strings.TrimSpace(record[commentIdx])
		}
		clients = append(clients, c)
	}

	if len(clients) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return clients, nil
}
