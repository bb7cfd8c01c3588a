package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
)

// Output markers the helper script wraps its JSON payload in, so debug
// chatter before and after does not break parsing.
const (
	jsonStartMarker = "===JSON_START==="
	jsonEndMarker   = "===JSON_END==="
)

const helperTimeout = 60 * time.Second

// FetchDestinationUsers runs the helper script that lists the destination
// project's users and parses its JSON output. The script's HTTP contract
// is its own business; this side only passes credentials through the
// environment and reads what it prints. The raw output is returned
// alongside any error so a human can diagnose the script.
func (o *Orchestrator) FetchDestinationUsers(ctx context.Context, apiKey, spaceURL, projectKey string) ([]DestinationUser, string, error) {
	res, err := o.sup.Run(ctx, supervise.Spec{
		Name: "fetch-users",
		Path: o.cfg.HelperScript,
		Dir:  o.cfg.BinDir,
		Env: map[string]string{
			"DST_API_KEY":     apiKey,
			"DST_SPACE_URL":   spaceURL,
			"DST_PROJECT_KEY": projectKey,
		},
		Timeout: helperTimeout,
	})
	if err != nil {
		return nil, res.Diagnostic(), fmt.Errorf("helper script: %w", err)
	}

	users, err := parseUsersOutput(res.Stdout)
	if err != nil {
		return nil, res.Stdout, err
	}
	return users, res.Stdout, nil
}

// parseUsersOutput extracts the JSON array between the output markers,
// falling back to parsing the whole output when the markers are absent.
func parseUsersOutput(stdout string) ([]DestinationUser, error) {
	payload := stdout
	if start := strings.Index(stdout, jsonStartMarker); start >= 0 {
		end := strings.Index(stdout, jsonEndMarker)
		if end > start {
			payload = stdout[start+len(jsonStartMarker) : end]
		}
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty output", ErrParseUsers)
	}

	var users []DestinationUser
	if err := json.Unmarshal([]byte(payload), &users); err != nil {
		// Some helpers emit a bare object when only one user exists.
		var single DestinationUser
		if err2 := json.Unmarshal([]byte(payload), &single); err2 == nil && single.UserID != "" {
			return []DestinationUser{single}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrParseUsers, err)
	}
	return users, nil
}
