package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"treepot/internal/auth"
)

// DirEnv overrides the directory holding the session and offline queue.
const DirEnv = "TP_HOME"

type Session struct {
	AccessToken string    `json:"access_token"`
	Account     string    `json:"account"`
	ExpiresAt   time.Time `json:"expires_at"`
	BaseURL     string    `json:"base_url,omitempty"`
}

func SessionFromAuth(s auth.Session, baseURL string) Session {
	return Session{
		AccessToken: s.AccessToken,
		Account:     s.Account,
		ExpiresAt:   s.ExpiresAt,
		BaseURL:     baseURL,
	}
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// BaseDir returns ~/.tp, or $TP_HOME when set, creating it if needed.
func BaseDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv(DirEnv))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".tp")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func sessionPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func SaveSession(s Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadSession() (Session, error) {
	path, err := sessionPath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, fmt.Errorf("not logged in, run `tp login`")
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return Session{}, fmt.Errorf("no access token found in session")
	}
	if s.Expired(time.Now()) {
		return Session{}, fmt.Errorf("session for %s expired, run `tp login`", s.Account)
	}
	return s, nil
}

func ClearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
