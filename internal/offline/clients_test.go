package offline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsTouch(t *testing.T) {
	c := NewClients()

	first := c.Touch("", testOrigin+"/", "v1")
	_, err := uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Controller)

	again := c.Touch(first.ID, testOrigin+"/chat", "v2")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, testOrigin+"/chat", again.URL)
	assert.Equal(t, "v1", again.Controller)

	forged := c.Touch("not-a-uuid", testOrigin+"/", "v1")
	assert.NotEqual(t, "not-a-uuid", forged.ID)
	assert.Len(t, c.List(), 2)
}

func TestClientsClaim(t *testing.T) {
	c := NewClients()
	c.Touch("", testOrigin+"/a", "v1")
	c.Touch("", testOrigin+"/b", "")

	assert.Equal(t, 1, c.ControlledBy("v1"))
	assert.Equal(t, 2, c.Claim("v2"))
	assert.Equal(t, 0, c.ControlledBy("v1"))
	assert.Equal(t, 2, c.ControlledBy("v2"))
}

func TestClientsOpenWindowFocusesExisting(t *testing.T) {
	c := NewClients()
	home := c.Touch("", testOrigin+"/", "v1")
	c.Touch("", testOrigin+"/chat", "v1")

	got, opened := c.OpenWindow(testOrigin+"/", "v1")
	assert.False(t, opened)
	assert.Equal(t, home.ID, got.ID)
	for _, cl := range c.List() {
		assert.Equal(t, cl.ID == home.ID, cl.Focused)
	}

	got, opened = c.OpenWindow(testOrigin+"/settings", "v1")
	assert.True(t, opened)
	assert.Equal(t, testOrigin+"/settings", got.URL)
	assert.Len(t, c.List(), 3)
}

func TestClientsPrune(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewClients()
	c.now = func() time.Time { return now }
	c.Touch("", testOrigin+"/old", "v1")

	now = now.Add(time.Hour)
	fresh := c.Touch("", testOrigin+"/new", "v1")

	assert.Equal(t, 1, c.Prune(30*time.Minute))
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
}
