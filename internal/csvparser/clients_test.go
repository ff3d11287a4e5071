package csvparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailingService/internal/models"
)

func TestParseClientRows(t *testing.T) {
	in := `Full Name,EMAIL,Comment
Ann Lee, ann@example.com ,vip
Bob,bob@example.com,
broken row
No Mail,,
Ann again,ANN@example.com,dup
`
	clients, err := ParseClientRows(strings.NewReader(in), 0)
	require.NoError(t, err)

	assert.Equal(t, []models.Client{
		{Email: "ann@example.com", FullName: "Ann Lee", Comment: "vip"},
		{Email: "bob@example.com", FullName: "Bob"},
	}, clients)
}

func TestParseClientRowsEmailOnly(t *testing.T) {
	clients, err := ParseClientRows(strings.NewReader("email\na@example.com\nb@example.com\nc@example.com\n"), 2)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "b@example.com", clients[1].Email)
	assert.Empty(t, clients[1].FullName)
}

func TestParseClientRowsErrors(t *testing.T) {
	_, err := ParseClientRows(strings.NewReader("name,comment\nAnn,x\n"), 0)
	assert.ErrorContains(t, err, "Email column")

	_, err = ParseClientRows(strings.NewReader("email\n"), 0)
	assert.ErrorContains(t, err, "at least one data row")

	_, err = ParseClientRows(strings.NewReader(""), 0)
	assert.Error(t, err)
}
