package relay

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/duocall/internal/signaling"
)

var (
	ErrUsernameTaken  = errors.New("relay: username already registered")
	ErrUnknownUser    = errors.New("relay: unknown user")
	ErrBadCredentials = errors.New("relay: bad credentials")
)

// User is one directory entry. Users are created on registration and never
// destroyed; only State changes over their lifetime.
type User struct {
	UserID       string
	Username     string
	PasswordHash string
	State        signaling.UserState
}

// Directory is the user directory, optionally persisted to a line-oriented
// text file (username\tuser_id\tpassword_hash per record). It performs no
// locking of its own: the Server's single coarse lock guards it together
// with the session and call maps, per the one-lock design.
type Directory struct {
	path string

	byID   map[string]*User
	byName map[string]*User
}

// OpenDirectory loads the directory from path, creating an empty directory
// if the file doesn't exist yet. An empty path keeps the directory
// in-memory only.
func OpenDirectory(path string) (*Directory, error) {
	d := &Directory{
		path:   path,
		byID:   make(map[string]*User),
		byName: make(map[string]*User),
	}
	if path == "" {
		return d, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open user directory")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, errors.Errorf("user directory %s:%d: malformed record", path, lineno)
		}
		u := &User{
			Username:     fields[0],
			UserID:       fields[1],
			PasswordHash: fields[2],
			State:        signaling.StateDisconnected,
		}
		d.byID[u.UserID] = u
		d.byName[u.Username] = u
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read user directory")
	}
	return d, nil
}

// Register creates a new user and persists the updated directory.
func (d *Directory) Register(username, passwordHash string) (*User, error) {
	if _, taken := d.byName[username]; taken {
		return nil, ErrUsernameTaken
	}
	u := &User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		State:        signaling.StateDisconnected,
	}
	d.byID[u.UserID] = u
	d.byName[u.Username] = u

	if err := d.save(); err != nil {
		delete(d.byID, u.UserID)
		delete(d.byName, u.Username)
		return nil, err
	}
	return u, nil
}

// Authenticate verifies a username/password-hash pair.
func (d *Directory) Authenticate(username, passwordHash string) (*User, error) {
	u, ok := d.byName[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	if u.PasswordHash != passwordHash {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// Get looks a user up by id.
func (d *Directory) Get(userID string) *User {
	return d.byID[userID]
}

// List snapshots all known users with their current state, ordered by
// username for deterministic output.
func (d *Directory) List() []signaling.UserInfo {
	users := make([]signaling.UserInfo, 0, len(d.byID))
	for _, u := range d.byID {
		users = append(users, signaling.UserInfo{
			UserID:   u.UserID,
			Username: u.Username,
			State:    u.State,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users
}

// save rewrites the directory file atomically: write to a temp file in the
// same directory, then rename over the original.
func (d *Directory) save() error {
	if d.path == "" {
		return nil
	}

	var sb strings.Builder
	for _, u := range d.List() {
		full := d.byID[u.UserID]
		fmt.Fprintf(&sb, "%s\t%s\t%s\n", full.Username, full.UserID, full.PasswordHash)
	}

	dir := filepath.Dir(d.path)
	tmp, err := ioutil.TempFile(dir, ".users-*")
	if err != nil {
		return errors.Wrap(err, "create temp directory file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write user directory")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close user directory")
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "replace user directory")
	}
	return nil
}
