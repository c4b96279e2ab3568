package relay

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/duocall/internal/signaling"
)

func TestDirectoryPersistence(t *testing.T) {
	dir, err := ioutil.TempDir("", "duocall-users")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "users.tsv")

	d, err := OpenDirectory(path)
	require.NoError(t, err)

	alice, err := d.Register("alice", "h1")
	require.NoError(t, err)
	bob, err := d.Register("bob", "h2")
	require.NoError(t, err)

	// Reload from disk: both users survive with state reset.
	d2, err := OpenDirectory(path)
	require.NoError(t, err)

	u, err := d2.Authenticate("alice", "h1")
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, u.UserID)
	assert.Equal(t, signaling.StateDisconnected, u.State)

	assert.NotNil(t, d2.Get(bob.UserID))

	_, err = d2.Authenticate("alice", "wrong")
	assert.Equal(t, ErrBadCredentials, err)
	_, err = d2.Authenticate("nobody", "h")
	assert.Equal(t, ErrUnknownUser, err)
}

func TestDirectoryRecordFormat(t *testing.T) {
	dir, err := ioutil.TempDir("", "duocall-users")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "users.tsv")

	d, err := OpenDirectory(path)
	require.NoError(t, err)
	u, err := d.Register("alice", "h1")
	require.NoError(t, err)

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice\t"+u.UserID+"\th1\n", string(raw))
}

func TestDirectoryDuplicateUsername(t *testing.T) {
	d, err := OpenDirectory("")
	require.NoError(t, err)

	_, err = d.Register("alice", "h1")
	require.NoError(t, err)
	_, err = d.Register("alice", "h2")
	assert.Equal(t, ErrUsernameTaken, err)
}

func TestDirectoryRejectsMalformedFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "duocall-users")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "users.tsv")

	require.NoError(t, ioutil.WriteFile(path, []byte("not a record\n"), 0600))
	_, err = OpenDirectory(path)
	assert.Error(t, err)
}
