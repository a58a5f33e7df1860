package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "todocal"
	keyringAccount = "todoist"

	// TodoistTokenEnv overrides the keyring entry when set.
	TodoistTokenEnv = "TODOCAL_TODOIST_TOKEN"
)

// ErrNoTodoistToken is returned when no token is stored or exported.
var ErrNoTodoistToken = errors.New("no Todoist API token; run 'todocal auth todoist' or set " + TodoistTokenEnv)

// TodoistToken returns the Todoist API token and where it came from,
// "environment" or "keyring".
func TodoistToken() (string, string, error) {
	if tok := strings.TrimSpace(os.Getenv(TodoistTokenEnv)); tok != "" {
		return tok, "environment", nil
	}
	tok, err := keyring.Get(keyringService, keyringAccount)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && tok == "") {
		return "", "", ErrNoTodoistToken
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return tok, "keyring", nil
}

// SetTodoistToken stores the Todoist API token in the system keyring.
func SetTodoistToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	return keyring.Set(keyringService, keyringAccount, token)
}

// DeleteTodoistToken removes the stored token. Deleting a missing token
// succeeds.
func DeleteTodoistToken() error {
	err := keyring.Delete(keyringService, keyringAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
